package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Frames are written as a TUN device would deliver them: bare IP, no link header.
var (
	tunnelV4 = net.IP{10, 0, 0, 2}
	tunnelV6 = net.ParseIP("fd00:1:fd00::2")
	ports    = []layers.TCPPort{22, 53, 80, 443, 3389, 8080}
)

func main() {
	outputFile := flag.String("o", "tunnel.pcap", "Output pcap file path")
	packetCount := flag.Int("c", 1000, "Number of packets to generate")
	flows := flag.Int("flows", 50, "Number of distinct remote endpoints")
	v6Ratio := flag.Float64("v6", 0.2, "Fraction of flows carried over IPv6")
	flag.Parse()

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	remotes := make([]net.IP, *flows)
	for i := range remotes {
		if rng.Float64() < *v6Ratio {
			ip := make(net.IP, net.IPv6len)
			copy(ip, net.ParseIP("2001:db8::"))
			rng.Read(ip[8:])
			remotes[i] = ip
			continue
		}
		remotes[i] = net.IP{byte(rng.Intn(223) + 1), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(254) + 1)}
	}

	log.Printf("Generating %d packets across %d flows into %s...", *packetCount, *flows, *outputFile)

	start := time.Now()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	for i := 0; i < *packetCount; i++ {
		flow := rng.Intn(len(remotes))
		remote := remotes[flow]
		localPort := layers.TCPPort(40000 + flow)
		remotePort := ports[flow%len(ports)]
		outgoing := rng.Intn(3) != 0

		payload := make([]byte, rng.Intn(1200)+20)
		rng.Read(payload)

		buf := gopacket.NewSerializeBuffer()
		if err := serialize(buf, opts, remote, localPort, remotePort, outgoing, remotePort == 53, payload); err != nil {
			log.Fatalf("Failed to serialize layers: %v", err)
		}

		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := pcapWriter.WritePacket(ci, buf.Bytes()); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
	}

	log.Printf("Successfully generated %d packets into %s.", *packetCount, *outputFile)
}

func serialize(buf gopacket.SerializeBuffer, opts gopacket.SerializeOptions, remote net.IP, localPort, remotePort layers.TCPPort, outgoing, udp bool, payload []byte) error {
	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if v4 := remote.To4(); v4 != nil {
		ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: tunnelV4, DstIP: v4}
		if !outgoing {
			ip.SrcIP, ip.DstIP = v4, tunnelV4
		}
		ip.Protocol = layers.IPProtocolTCP
		if udp {
			ip.Protocol = layers.IPProtocolUDP
		}
		network, ipLayer = ip, ip
	} else {
		ip := &layers.IPv6{Version: 6, HopLimit: 64, SrcIP: tunnelV6, DstIP: remote}
		if !outgoing {
			ip.SrcIP, ip.DstIP = remote, tunnelV6
		}
		ip.NextHeader = layers.IPProtocolTCP
		if udp {
			ip.NextHeader = layers.IPProtocolUDP
		}
		network, ipLayer = ip, ip
	}

	src, dst := localPort, remotePort
	if !outgoing {
		src, dst = remotePort, localPort
	}
	if udp {
		udpLayer := &layers.UDP{SrcPort: layers.UDPPort(src), DstPort: layers.UDPPort(dst)}
		udpLayer.SetNetworkLayerForChecksum(network)
		return gopacket.SerializeLayers(buf, opts, ipLayer, udpLayer, gopacket.Payload(payload))
	}
	tcpLayer := &layers.TCP{SrcPort: src, DstPort: dst, ACK: true, PSH: true, Window: 14600}
	tcpLayer.SetNetworkLayerForChecksum(network)
	return gopacket.SerializeLayers(buf, opts, ipLayer, tcpLayer, gopacket.Payload(payload))
}
