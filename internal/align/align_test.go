package align

import "testing"

func TestDown(t *testing.T) {
	cases := []struct{ v, b, want uintptr }{
		{0, 4096, 0},
		{1, 4096, 0},
		{4095, 4096, 0},
		{4096, 4096, 4096},
		{4097, 4096, 4096},
	}
	for _, c := range cases {
		if got := Down(c.v, c.b); got != c.want {
			t.Errorf("Down(%d, %d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}

func TestUp(t *testing.T) {
	cases := []struct{ v, b, want uintptr }{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, c := range cases {
		if got := Up(c.v, c.b); got != c.want {
			t.Errorf("Up(%d, %d) = %d, want %d", c.v, c.b, got, c.want)
		}
	}
}
