package memory

import (
	"testing"

	"github.com/a402-labs/a402/lib/store/storetest"
)

func TestImpl(t *testing.T) {
	storetest.Common(t, factory{}, nil)
}
