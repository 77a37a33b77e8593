package main

import (
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "/app", want: "/app"},
		{in: "/home/dev/projects/fgz", want: "/home/dev/projec..."},
		{in: "/home/dévéloppeur/prøjects", want: "/home/dévéloppeu..."},
		{in: "/srv/数据/工作目录/服务器/项目/源代码", want: "/srv/数据/工作目录/服务器..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, 19)
		if got != tt.want {
			t.Errorf("truncate(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q) produced invalid UTF-8", tt.in)
		}
		if n := utf8.RuneCountInString(got); n > 19 {
			t.Errorf("truncate(%q) is %d runes", tt.in, n)
		}
	}
}
