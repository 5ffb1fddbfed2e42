package wsapi

import "github.com/gorilla/mux"

// Mount registers /ws/status and /ws/stream on router, both backed by
// store and framed per framer. The returned Hub's Run method must be
// started in its own goroutine by the caller.
func Mount(router *mux.Router, store *Store, framer *Framer) *Hub {
	hub := NewHub(framer)
	router.HandleFunc("/ws/status", hub.ServeWS(store.StatusSnapshot))
	router.HandleFunc("/ws/stream", hub.ServeWS(store.StreamSnapshot))
	return hub
}
