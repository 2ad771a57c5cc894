package tunio

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildIPv4Packet(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("10.0.0.2"),
		DstIP:    net.ParseIP("93.184.216.34"),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestAllowPacket(t *testing.T) {
	t.Run("valid IPv4 passes", func(t *testing.T) {
		if !allowPacket(buildIPv4Packet(t)) {
			t.Fatal("expected the packet to pass")
		}
	})

	t.Run("empty packet is dropped", func(t *testing.T) {
		if allowPacket(nil) {
			t.Fatal("expected the packet to be dropped")
		}
	})

	t.Run("garbage version nibble is dropped", func(t *testing.T) {
		if allowPacket([]byte{0x00, 0x01, 0x02}) {
			t.Fatal("expected the packet to be dropped")
		}
	})

	t.Run("truncated IPv4 is dropped", func(t *testing.T) {
		pkt := buildIPv4Packet(t)
		if allowPacket(pkt[:8]) {
			t.Fatal("expected the packet to be dropped")
		}
	})
}

func TestPacketFraming(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		want := buildIPv4Packet(t)
		go func() { writePacket(client, want) }()
		got, err := readPacket(server)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %x, want %x", got, want)
		}
	})

	t.Run("oversized write is refused", func(t *testing.T) {
		var sink bytes.Buffer
		if err := writePacket(&sink, make([]byte, maxPacket+1)); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("oversized length prefix is refused", func(t *testing.T) {
		var src bytes.Buffer
		src.Write([]byte{0xff, 0xff})
		if _, err := readPacket(&src); err == nil {
			t.Fatal("expected an error")
		}
	})
}
