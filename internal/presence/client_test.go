package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabfab/roomserver/internal/auth"
	"github.com/collabfab/roomserver/internal/types"
)

func TestClient_Push(t *testing.T) {
	t.Run("sends an authenticated update and decodes the map", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "internal-secret", r.Header.Get(auth.InternalAuthHeader))

			var update Update
			require.NoError(t, json.NewDecoder(r.Body).Decode(&update))
			assert.Equal(t, Update{Id: "chat:r1", Connections: 2, Action: ActionEnter}, update)

			json.NewEncoder(w).Encode([]types.RoomInfo{{Id: "chat:r1", Connections: 2}})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "internal-secret")
		list, err := c.Push(context.Background(), "chat:r1", 2, ActionEnter)
		require.NoError(t, err)
		assert.Equal(t, []types.RoomInfo{{Id: "chat:r1", Connections: 2}}, list)
	})

	t.Run("non-200 status is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "wrong-secret")
		_, err := c.Push(context.Background(), "chat:r1", 1, ActionEnter)
		assert.ErrorContains(t, err, "unexpected status 404")
	})

	t.Run("unreachable aggregator is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		c := NewClient(srv.URL, "internal-secret")
		_, err := c.Push(context.Background(), "chat:r1", 1, ActionEnter)
		assert.ErrorContains(t, err, "push occupancy")
	})
}
