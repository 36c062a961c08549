package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
)

func TestFeedFromEntry(t *testing.T) {
	e := &mdns.ServiceEntry{
		Name:       `studio\ a._telestrator._tcp.local.`,
		Host:       "studio.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       8090,
		InfoFields: []string{"proto=ws", "path=/feed"},
	}
	f, ok := feedFromEntry(e)
	if !ok {
		t.Fatal("entry rejected")
	}
	want := Feed{
		Instance: "studio a",
		Host:     "studio.local",
		Addr:     "192.168.1.20:8090",
		Path:     "/feed",
		URL:      "ws://192.168.1.20:8090/feed",
	}
	if f != want {
		t.Fatalf("feed = %+v", f)
	}
}

func TestFeedFromEntryRejects(t *testing.T) {
	base := func() *mdns.ServiceEntry {
		return &mdns.ServiceEntry{Name: "x._telestrator._tcp.local.", AddrV4: net.IPv4(10, 0, 0, 1), Port: 1}
	}
	tests := map[string]func(*mdns.ServiceEntry){
		"no port":       func(e *mdns.ServiceEntry) { e.Port = 0 },
		"no address":    func(e *mdns.ServiceEntry) { e.AddrV4 = nil },
		"other service": func(e *mdns.ServiceEntry) { e.Name = "x._localboard._tcp.local." },
		"other proto":   func(e *mdns.ServiceEntry) { e.InfoFields = []string{"proto=ndi"} },
	}
	for name, mutate := range tests {
		e := base()
		mutate(e)
		if _, ok := feedFromEntry(e); ok {
			t.Fatalf("%s: accepted", name)
		}
	}
	if _, ok := feedFromEntry(nil); ok {
		t.Fatal("nil accepted")
	}
}

func TestFeedFromEntryDefaultsPathAndIPv6(t *testing.T) {
	f, ok := feedFromEntry(&mdns.ServiceEntry{
		Name:   "x._telestrator._tcp.local.",
		AddrV6: net.ParseIP("fe80::1"),
		Port:   9000,
	})
	if !ok || f.URL != "ws://[fe80::1]:9000/feed" {
		t.Fatalf("feed = %+v, %v", f, ok)
	}
}

func TestTXTRecords(t *testing.T) {
	txt := parseTXT(txtRecords(""))
	if txt["proto"] != "ws" || txt["path"] != DefaultPath {
		t.Fatalf("txt = %v", txt)
	}
	if parseTXT(txtRecords("/live"))["path"] != "/live" {
		t.Fatal("custom path lost")
	}
}

func TestAdvertiseRejectsBadPort(t *testing.T) {
	if _, err := Advertise(AdvertiseOptions{Port: 0}); err == nil {
		t.Fatal("port 0 accepted")
	}
}

func TestBrowseExpiredContext(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := Browse(ctx, 0, nil); err == nil {
		t.Fatal("browse ran past its deadline")
	}
}
