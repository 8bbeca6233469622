package idgen

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("txn_")
	assert.True(t, strings.HasPrefix(id, "txn_"))
	assert.Len(t, id, len("txn_")+24)
	assert.NotEqual(t, id, WithPrefix("txn_"))
}

func TestReference_Format(t *testing.T) {
	at := time.Date(2026, 10, 17, 23, 0, 0, 0, time.UTC)
	ref := Reference(at)
	assert.Regexp(t, regexp.MustCompile(`^TXN-20261017-[0-9A-F]{12}$`), ref)
}

func TestReference_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		ref := Reference(time.Now())
		assert.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
}

func TestNew_IsUUID(t *testing.T) {
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`, New())
}
