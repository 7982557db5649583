package policy

import "testing"

func TestMarker(t *testing.T) {
	isEphemeral := Default()

	cases := map[string]bool{
		"temp.txt":                true,
		"temporary_data.txt":      true,
		"real_temporary_data.txt": true,
		"dir/attempt.log":         true,
		"project.txt":             false,
		"TEMP.txt":                false,
		"":                        false,
	}
	for key, want := range cases {
		if got := isEphemeral(key); got != want {
			t.Errorf("isEphemeral(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestMarker_Empty(t *testing.T) {
	if Marker("")("temp.txt") {
		t.Fatalf("empty marker must not match")
	}
}
