package bluetooth

import (
	"errors"
	"testing"
)

func TestFault133Detection(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"ATT write failed: status 133", true},
		{"GATT error 133", true},
		{"code=133", true},
		{"133", true},
		{"status (133)", true},
		{"timeout after 133ms", false},
		{"error 1337", false},
		{"retry in 1330ms", false},
		{"device dev_13_31 unreachable", false},
		{"connection refused", false},
	}
	for _, c := range cases {
		if got := IsFault133(errors.New(c.text)); got != c.want {
			t.Errorf("IsFault133(%q) = %v, want %v", c.text, got, c.want)
		}
	}

	if IsFault133(nil) {
		t.Error("IsFault133(nil) should be false")
	}
}
