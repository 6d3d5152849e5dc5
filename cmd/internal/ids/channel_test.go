package ids

import (
	"errors"
	"strings"
	"testing"
)

func TestParseChannelID(t *testing.T) {
	t.Parallel()

	fresh := NewChannelID()
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: fresh, want: fresh},
		{in: "  " + strings.ToUpper(fresh) + " ", want: fresh},
		{in: "", wantErr: true},
		{in: "not-a-uuid", wantErr: true},
		// v1 (time based) is refused.
		{in: "6ba7b810-9dad-11d1-80b4-00c04fd430c8", wantErr: true},
		// v7 is refused.
		{in: "01890a5d-ac96-774b-bcce-b302099a8057", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseChannelID(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidChannel) {
				t.Fatalf("ParseChannelID(%q): expected ErrInvalidChannel, got %v", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseChannelID(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}
