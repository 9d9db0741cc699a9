package wstunnel

import (
	"testing"
)

func TestParseRemoteForms(t *testing.T) {
	cases := []struct {
		in   string
		want Remote
	}{
		{"3000", Remote{LocalHost: "127.0.0.1", LocalPort: 3000, RemoteHost: "127.0.0.1", RemotePort: 3000, Proto: ProtoTCP}},
		{"8080:example.com:80", Remote{LocalHost: "127.0.0.1", LocalPort: 8080, RemoteHost: "example.com", RemotePort: 80, Proto: ProtoTCP}},
		{"0.0.0.0:8080:example.com:80", Remote{LocalHost: "0.0.0.0", LocalPort: 8080, RemoteHost: "example.com", RemotePort: 80, Proto: ProtoTCP}},
		{"5353:10.0.0.1:53/udp", Remote{LocalHost: "127.0.0.1", LocalPort: 5353, RemoteHost: "10.0.0.1", RemotePort: 53, Proto: ProtoUDP}},
		{"8080:example.com:80/tcp", Remote{LocalHost: "127.0.0.1", LocalPort: 8080, RemoteHost: "example.com", RemotePort: 80, Proto: ProtoTCP}},
		{"socks", Remote{LocalHost: "127.0.0.1", LocalPort: 1080, Proto: ProtoTCP, Socks: true}},
		{"9050:socks", Remote{LocalHost: "127.0.0.1", LocalPort: 9050, Proto: ProtoTCP, Socks: true}},
		{"0.0.0.0:9050:socks", Remote{LocalHost: "0.0.0.0", LocalPort: 9050, Proto: ProtoTCP, Socks: true}},
		{"stdio:example.com:22", Remote{LocalHost: "127.0.0.1", RemoteHost: "example.com", RemotePort: 22, Proto: ProtoTCP, Stdio: true}},
		{"[::1]:8080:[2001:db8::1]:80", Remote{LocalHost: "::1", LocalPort: 8080, RemoteHost: "2001:db8::1", RemotePort: 80, Proto: ProtoTCP}},
	}
	for _, c := range cases {
		got, err := ParseRemote(c.in)
		if err != nil {
			t.Errorf("ParseRemote(%q) returned error: %s", c.in, err)
			continue
		}
		if got.LocalHost != c.want.LocalHost || got.LocalPort != c.want.LocalPort ||
			got.RemoteHost != c.want.RemoteHost || got.RemotePort != c.want.RemotePort ||
			got.Proto != c.want.Proto || got.Socks != c.want.Socks || got.Stdio != c.want.Stdio {
			t.Errorf("ParseRemote(%q) = %+v, want %+v", c.in, *got, c.want)
		}
	}
}

func TestParseRemoteRejects(t *testing.T) {
	bad := []string{
		"",
		":",
		"8080:",
		"notaport:example.com:80",
		"8080:example.com:notaport",
		"8080:example.com:80:extra:parts",
		"0:example.com:80",
		"8080:example.com:0",
		"[::1:8080",
		"stdio",
		"stdio:example.com",
		"5353:socks/udp",
	}
	for _, s := range bad {
		if r, err := ParseRemote(s); err == nil {
			t.Errorf("ParseRemote(%q) accepted as %+v", s, *r)
		}
	}
}

func TestRemoteString(t *testing.T) {
	for _, s := range []string{"127.0.0.1:8080:example.com:80", "127.0.0.1:5353:10.0.0.1:53/udp"} {
		r, err := ParseRemote(s)
		if err != nil {
			t.Fatalf("ParseRemote(%q) returned error: %s", s, err)
		}
		if r.String() != s {
			t.Errorf("String() = %q, want %q", r.String(), s)
		}
	}
}
