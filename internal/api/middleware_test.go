package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/collabfab/roomserver/internal/testutil"
	"github.com/collabfab/roomserver/internal/types"
)

func TestIdentityContext(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		identity := types.Identity{Id: "u1", Name: "alice", Email: "alice@example.com"}
		ctx := WithIdentity(context.Background(), identity)

		got, ok := IdentityFrom(ctx)
		assert.True(t, ok)
		assert.Equal(t, identity, got)
	})

	t.Run("absent identity", func(t *testing.T) {
		_, ok := IdentityFrom(context.Background())
		assert.False(t, ok)
	})
}

func Test_errorHandler(t *testing.T) {
	s := &RoomApp{log: testutil.TestLogger(t)}

	h := s.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
