package docker

import (
	"strings"
	"testing"
)

func TestCappedBufferUnderCap(t *testing.T) {
	b := &cappedBuffer{cap: 8}
	n, err := b.Write([]byte("12345678"))
	if err != nil || n != 8 {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	if b.truncated {
		t.Error("output exactly at the cap must not be flagged truncated")
	}
	if got := string(b.Bytes()); got != "12345678" {
		t.Errorf("Bytes = %q", got)
	}
}

func TestCappedBufferOverCap(t *testing.T) {
	b := &cappedBuffer{cap: 8}
	b.Write([]byte("123456789"))
	if !b.truncated {
		t.Error("cap+1 bytes must be flagged truncated")
	}
	if got := string(b.Bytes()); got != "12345678" {
		t.Errorf("Bytes = %q, want first 8 bytes", got)
	}
}

func TestCappedBufferMultipleWrites(t *testing.T) {
	b := &cappedBuffer{cap: 4}
	b.Write([]byte("ab"))
	b.Write([]byte("cd"))
	if b.truncated {
		t.Error("not truncated yet")
	}
	b.Write([]byte("e"))
	if !b.truncated {
		t.Error("write past cap must truncate")
	}
	if got := string(b.Bytes()); got != "abcd" {
		t.Errorf("Bytes = %q", got)
	}
}

func TestContainerName(t *testing.T) {
	name := containerName("abc-123")
	if name != "runner-abc-123" {
		t.Errorf("containerName = %q", name)
	}
	if !strings.HasPrefix(name, ContainerNamePrefix) {
		t.Errorf("name %q missing prefix", name)
	}
}

func TestHasRunnerName(t *testing.T) {
	cases := []struct {
		names []string
		want  bool
	}{
		{[]string{"/runner-abc"}, true},
		{[]string{"runner-abc"}, true},
		{[]string{"/other-runner-abc"}, false},
		{[]string{"/unrelated"}, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := hasRunnerName(tc.names); got != tc.want {
			t.Errorf("hasRunnerName(%v) = %v, want %v", tc.names, got, tc.want)
		}
	}
}
