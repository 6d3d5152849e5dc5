package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"pairlink/cmd/internal/ids"
	"pairlink/cmd/internal/pairing"
	"pairlink/cmd/security/keys"
)

func TestKeygen_PrintsPublicKeyAndFingerprint(t *testing.T) {
	cmd := keygenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--show-secret"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("keygen: %v", err)
	}

	got := out.String()
	for _, want := range []string{"Public key:", "Fingerprint:", "Secret key:"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestSession_ShowsLatest(t *testing.T) {
	dir := t.TempDir()
	st, err := pairing.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	peer, err := keys.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	id := ids.NewChannelID()
	cfg := pairing.SessionConfig{
		ChannelID:  id,
		ValidUntil: time.Now().Add(time.Hour),
		OtherKey:   peer.PublicKey(),
	}
	if err := st.Put(context.Background(), cfg); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cmd := sessionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--dir", dir})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("session: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, id) {
		t.Fatalf("channel id missing from %q", got)
	}
	if !strings.Contains(got, keys.Fingerprint(peer.PublicKey())) {
		t.Fatalf("peer fingerprint missing from %q", got)
	}
	if !strings.Contains(got, "Expired:     false") {
		t.Fatalf("expiry line wrong in %q", got)
	}
}

func TestSession_RequiresDir(t *testing.T) {
	cmd := sessionCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error without --dir")
	}
}
