package packet

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

// 显式分层的数据包模型：IPv4/IPv6 × {UDP, ESP, 其他}，带类型化访问器。
// 取代对包对象的反射式字段查找，解析失败在构造时立刻报错。

// Packet 一个已解析的 IP 数据包
type Packet struct {
	V4  *layers.IPv4
	V6  *layers.IPv6
	UDP *layers.UDP
	ESP *layers.IPSecESP

	// Payload 最内层已识别协议之后的数据
	Payload []byte

	raw []byte
}

// Parse 按首字节的版本号解析原始 IP 数据包
func Parse(raw []byte) (*Packet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("空数据包")
	}
	var first gopacket.LayerType
	switch raw[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("未知 IP 版本: %d", raw[0]>>4)
	}

	pkt := gopacket.NewPacket(raw, first, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil && pkt.NetworkLayer() == nil {
		return nil, fmt.Errorf("解析数据包失败: %v", errLayer.Error())
	}

	p := &Packet{raw: append([]byte(nil), raw...)}
	for _, l := range pkt.Layers() {
		switch v := l.(type) {
		case *layers.IPv4:
			p.V4 = v
		case *layers.IPv6:
			p.V6 = v
		case *layers.UDP:
			p.UDP = v
		case *layers.IPSecESP:
			p.ESP = v
		}
	}
	if p.V4 == nil && p.V6 == nil {
		return nil, fmt.Errorf("数据包没有 IP 层")
	}
	if app := pkt.ApplicationLayer(); app != nil {
		p.Payload = app.Payload()
	} else if p.UDP != nil {
		p.Payload = p.UDP.Payload
	}
	return p, nil
}

// Bytes 返回原始字节
func (p *Packet) Bytes() []byte {
	return p.raw
}

// Version 返回 IP 版本 (4 或 6)
func (p *Packet) Version() int {
	if p.V4 != nil {
		return 4
	}
	return 6
}

// SrcIP 源地址
func (p *Packet) SrcIP() net.IP {
	if p.V4 != nil {
		return p.V4.SrcIP
	}
	return p.V6.SrcIP
}

// DstIP 目的地址
func (p *Packet) DstIP() net.IP {
	if p.V4 != nil {
		return p.V4.DstIP
	}
	return p.V6.DstIP
}

// Protocol 返回 L4 协议号 (v4 Protocol / v6 NextHeader)
func (p *Packet) Protocol() uint8 {
	if p.V4 != nil {
		return uint8(p.V4.Protocol)
	}
	return uint8(p.V6.NextHeader)
}

// HeaderLen IP 头长度
func (p *Packet) HeaderLen() int {
	if p.V4 != nil {
		return int(p.V4.IHL) * 4
	}
	// 不处理扩展头：测试流量不携带
	return 40
}

// L3Payload IP 头之后的全部字节
func (p *Packet) L3Payload() []byte {
	return p.raw[p.HeaderLen():]
}

// IsESP 是否为 ESP 包（不含 UDP 封装的情况）
func (p *Packet) IsESP() bool {
	return p.Protocol() == unix.IPPROTO_ESP
}

// IPHeaderLen 返回指定版本的 IP 头长度（无选项/扩展头）
func IPHeaderLen(version int) int {
	if version == 4 {
		return 20
	}
	return 40
}
