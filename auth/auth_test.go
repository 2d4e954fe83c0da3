package auth

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSignOut(t *testing.T) {
	s := NewSession("", "tok")
	h := http.Header{}
	require.NoError(t, Apply(h, s))
	assert.Equal(t, "tok", h.Get(DefaultHeader))

	s.SignOut("InvalidSession")
	s.SignOut("again")
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Equal(t, "InvalidSession", s.Reason())
	assert.ErrorIs(t, Apply(http.Header{}, s), ErrSignedOut)
}
