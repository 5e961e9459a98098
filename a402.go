// Package a402 contains the version number and shared constants of the a402
// receipt verification daemon.
package a402

import "time"

// Version is the current version of the daemon.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// APIPrefix is the path every a402 route is mounted under.
const APIPrefix = "/a402/"

// DefaultChallengeTTL is how long an issued challenge stays payable.
const DefaultChallengeTTL = 300 * time.Second

// DefaultReplayWindow is how long a consumed nonce is remembered when the
// challenge it answers is not known to this instance.
const DefaultReplayWindow = 24 * time.Hour

// ReplayGrace is added to a challenge expiry before its nonce is evicted from
// the replay registry, absorbing clock skew between payer and server.
const ReplayGrace = 5 * time.Minute

// DefaultUpstreamTimeout bounds every call to the facilitator or the ledger RPC.
const DefaultUpstreamTimeout = 5 * time.Second

// DefaultAsset is the token symbol challenges are priced in unless told otherwise.
const DefaultAsset = "USDC"

// DefaultDecimals is the decimal precision assumed for assets missing from the
// asset table. USDC on Sui uses 6.
const DefaultDecimals = 6
