package main

import (
	"context"
	"testing"

	"github.com/dkeye/jamsync/internal/config"
)

func TestOpenMemoryStores(t *testing.T) {
	st, err := openStores(context.Background(), config.StorageConfig{Backend: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	defer st.close()
	if st.sessions == nil || st.accounts == nil || st.userSessions == nil || st.objects == nil {
		t.Fatalf("incomplete stores: %+v", st)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := openStores(context.Background(), config.StorageConfig{Backend: "floppy"}); err == nil {
		t.Fatal("unknown backend should fail")
	}
}
