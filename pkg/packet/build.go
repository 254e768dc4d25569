package packet

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// 合成测试流量的构造器。长度和校验和由序列化时计算，
// 构造出的字节可直接注入 TUN 或与捕获结果比对。

const defaultTTL = 64

// NewIPv4 构造一个无选项 IPv4 头
func NewIPv4(src, dst net.IP, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Protocol: proto,
		SrcIP:    src.To4(),
		DstIP:    dst.To4(),
	}
}

// NewIPv6 构造一个无扩展头 IPv6 头
func NewIPv6(src, dst net.IP, next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   defaultTTL,
		NextHeader: next,
		SrcIP:      src.To16(),
		DstIP:      dst.To16(),
	}
}

// SerializeIP 用给定 IP 头封装 payload 并返回完整数据包字节。
// 长度字段与 IPv4 头校验和自动修正。
func SerializeIP(v4 *layers.IPv4, v6 *layers.IPv6, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	var err error
	if v4 != nil {
		err = gopacket.SerializeLayers(buf, opts, v4, gopacket.Payload(payload))
	} else {
		err = gopacket.SerializeLayers(buf, opts, v6, gopacket.Payload(payload))
	}
	if err != nil {
		return nil, fmt.Errorf("序列化 IP 包失败: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildUDP 构造一个完整的 IP/UDP 数据包，UDP 校验和按伪头计算
func BuildUDP(version int, src, dst net.IP, sport, dport uint16, payload []byte) ([]byte, error) {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var err error
	if version == 4 {
		ip := NewIPv4(src, dst, layers.IPProtocolUDP)
		if cErr := udp.SetNetworkLayerForChecksum(ip); cErr != nil {
			return nil, cErr
		}
		err = gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload))
	} else {
		ip := NewIPv6(src, dst, layers.IPProtocolUDP)
		if cErr := udp.SetNetworkLayerForChecksum(ip); cErr != nil {
			return nil, cErr
		}
		err = gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload))
	}
	if err != nil {
		return nil, fmt.Errorf("序列化 UDP 包失败: %w", err)
	}
	return buf.Bytes(), nil
}

// Normalize 抹平内核填充的非确定性字段，
// 用于把捕获包和预期包变成可直接比较的形式。
// IPv4: Id 清零、flags (DF) 清零、TTL 固定、头校验和重算；IPv6: HopLimit 固定。
// 只处理最外层 IP 头：tunnel 模式 ESP 载荷中的内层 IPv4 头仍带内核随机的
// Id，对 tunnel 流量做整包字节比较前先用 esp.DecryptNull 取出内层。
func Normalize(raw []byte) ([]byte, error) {
	p, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), raw...)
	if p.V4 != nil {
		// Id 在 offset 4..6，flags+fragoff 在 6..8，TTL 在 8，校验和在 10..12
		out[4], out[5] = 0, 0
		out[6], out[7] = 0, 0
		out[8] = defaultTTL
		out[10], out[11] = 0, 0
		csum := ipv4Checksum(out[:p.HeaderLen()])
		out[10] = byte(csum >> 8)
		out[11] = byte(csum)
	} else {
		out[7] = defaultTTL
	}
	return out, nil
}

func ipv4Checksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(hdr[i])<<8 | uint32(hdr[i+1])
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// Diff 返回两个数据包的十六进制差异描述；相等返回空串
func Diff(want, got []byte) string {
	if string(want) == string(got) {
		return ""
	}
	return fmt.Sprintf("want (%d bytes):\n%s\ngot (%d bytes):\n%s",
		len(want), hexDump(want), len(got), hexDump(got))
}

func hexDump(b []byte) string {
	out := ""
	for i := 0; i < len(b); i += 16 {
		end := i + 16
		if end > len(b) {
			end = len(b)
		}
		out += fmt.Sprintf("  %04x: % x\n", i, b[i:end])
	}
	return out
}
