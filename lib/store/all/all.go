// Package all is a meta-package that imports all store implementations.
//
// This is a HACK to make tests work consistently.
package all

import (
	_ "github.com/a402-labs/a402/lib/store/bbolt"
	_ "github.com/a402-labs/a402/lib/store/memory"
	_ "github.com/a402-labs/a402/lib/store/valkey"
)
