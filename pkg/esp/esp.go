package esp

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"

	"github.com/iniwex5/xfrmkit/pkg/packet"
	"github.com/iniwex5/xfrmkit/pkg/xfrmnl"
)

// ESP (RFC 4303) 手工封包/解包与长度预测。
// SPI 和序列号在线上是大端，且只在这一层做一次字节序转换。

const (
	// HeaderLen ESP 头长度 (SPI + Seq)
	HeaderLen = 8
	// TrailerFixedLen 尾部固定部分长度 (pad length + next header)
	TrailerFixedLen = 2
	// IVMaxLen 支持的最大 IV 长度
	IVMaxLen = 16

	// NATTPort NAT-T 约定端口
	NATTPort = 4500
	// UDPEncapOverhead UDP 封装外壳的额外字节数
	UDPEncapOverhead = 8

	// 内核 UDP 封装接收路径的最小 ESP 负载（ESP 头之后的字节数），
	// 不足则内核静默丢弃，不计入任何统计
	EncapRxMinV4 = 12
	EncapRxMinV6 = 32
)

// Header ESP 头
type Header struct {
	SPI uint32
	Seq uint32
}

// Marshal 按网络字节序编码
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(b[0:4], h.SPI)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	return b
}

// ParseHeader 从 ESP 负载开头解码头部
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, fmt.Errorf("ESP 负载过短: %d 字节", len(b))
	}
	return Header{
		SPI: binary.BigEndian.Uint32(b[0:4]),
		Seq: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// PadLength 计算把 payloadLen+2 对齐到 blockSize 所需的填充字节数
func PadLength(payloadLen, blockSize int) int {
	if blockSize < 4 {
		blockSize = 4
	}
	total := payloadLen + TrailerFixedLen
	rem := total % blockSize
	if rem == 0 {
		return 0
	}
	return blockSize - rem
}

// Trailer 生成 ESP 尾部：单调递增填充 (1,2,3,...) + padLen + nextProto
func Trailer(payloadLen int, blockSize int, nextProto uint8) []byte {
	padLen := PadLength(payloadLen, blockSize)
	t := make([]byte, padLen+TrailerFixedLen)
	for i := 0; i < padLen; i++ {
		t[i] = byte(i + 1)
	}
	t[padLen] = uint8(padLen)
	t[padLen+1] = nextProto
	return t
}

// PacketLength 预测内核对给定明文发出的 ESP 包总负载长度。
// payloadLen 是内层应用数据长度，内层传输协议按 UDP 计 (8 字节头)；
// tunnel 模式再加一个内层 IP 头。返回值含 ESP 头、IV、填充、尾部和
// 截断后的 ICV；udpEncap 时再含封装 UDP 头。
func PacketLength(mode uint8, version int, udpEncap bool, payloadLen int, crypt xfrmnl.CryptAlgo, auth xfrmnl.AuthAlgo) int {
	inner := payloadLen + UDPEncapOverhead
	if mode == xfrmnl.ModeTunnel {
		inner += packet.IPHeaderLen(version)
	}
	inner += TrailerFixedLen
	block := crypt.BlockSize
	if block < 4 {
		block = 4
	}
	if rem := inner % block; rem != 0 {
		inner += block - rem
	}
	inner += crypt.IVLen
	inner += HeaderLen
	inner += auth.TruncLen()
	if udpEncap {
		inner += UDPEncapOverhead
	}
	return inner
}

// EncryptNull 用 null 变换把一个明文 IP 包封装成 ESP 包。
// tunnelSrc/tunnelDst 为 nil 时做 transport 模式（保留原 IP 头，把 L4
// 数据报装进 ESP）；否则做 tunnel 模式（整个原包作为内层，外层 IP 头
// 使用隧道端点）。null 加密无 IV，null 完整性无 ICV，所以输出就是
// 内核用同参数 SA 发出的字节。
func EncryptNull(raw []byte, spi, seq uint32, tunnelSrc, tunnelDst net.IP) ([]byte, error) {
	p, err := packet.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("EncryptNull: %w", err)
	}

	hdr := Header{SPI: spi, Seq: seq}

	if tunnelDst == nil {
		// transport: 内层是原 L4 数据报
		inner := p.L3Payload()
		body := append(hdr.Marshal(), inner...)
		body = append(body, Trailer(len(inner), xfrmnl.CryptNull.BlockSize, p.Protocol())...)
		return reserializeWithProto(p, unix.IPPROTO_ESP, body)
	}

	// tunnel: 整个原包作为内层
	nextProto := uint8(unix.IPPROTO_IPIP)
	if p.Version() == 6 {
		nextProto = unix.IPPROTO_IPV6
	}
	body := append(hdr.Marshal(), raw...)
	body = append(body, Trailer(len(raw), xfrmnl.CryptNull.BlockSize, nextProto)...)

	outerVersion := 4
	if tunnelDst.To4() == nil {
		outerVersion = 6
	}
	if outerVersion == 4 {
		outer := packet.NewIPv4(tunnelSrc, tunnelDst, layers.IPProtocolESP)
		return packet.SerializeIP(outer, nil, body)
	}
	outer := packet.NewIPv6(tunnelSrc, tunnelDst, layers.IPProtocolESP)
	return packet.SerializeIP(nil, outer, body)
}

// DecryptNull 解开一个 null 变换的 ESP 包，返回内层明文 IP 包和 ESP 头。
// transport 模式下按尾部的 next header 重建 IP 头。
func DecryptNull(raw []byte) ([]byte, Header, error) {
	p, err := packet.Parse(raw)
	if err != nil {
		return nil, Header{}, fmt.Errorf("DecryptNull: %w", err)
	}
	if !p.IsESP() {
		return nil, Header{}, fmt.Errorf("DecryptNull: 协议 %d 不是 ESP", p.Protocol())
	}
	espData := p.L3Payload()
	hdr, err := ParseHeader(espData)
	if err != nil {
		return nil, Header{}, err
	}
	body := espData[HeaderLen:]
	if len(body) < TrailerFixedLen {
		return nil, Header{}, fmt.Errorf("DecryptNull: ESP 负载缺少尾部")
	}
	padLen := int(body[len(body)-2])
	nextProto := body[len(body)-1]
	if padLen+TrailerFixedLen > len(body) {
		return nil, Header{}, fmt.Errorf("DecryptNull: 填充长度 %d 超出负载", padLen)
	}
	inner := body[:len(body)-TrailerFixedLen-padLen]

	if nextProto == unix.IPPROTO_IPIP || nextProto == unix.IPPROTO_IPV6 {
		// tunnel: 内层就是完整 IP 包
		return append([]byte(nil), inner...), hdr, nil
	}
	rebuilt, err := reserializeWithProto(p, nextProto, inner)
	if err != nil {
		return nil, Header{}, err
	}
	return rebuilt, hdr, nil
}

// BuildUDPEncap 给 ESP 负载套上 NAT-T UDP 外壳并封装为完整 IP 包
func BuildUDPEncap(version int, src, dst net.IP, sport, dport uint16, espPayload []byte) ([]byte, error) {
	return packet.BuildUDP(version, src, dst, sport, dport, espPayload)
}

// reserializeWithProto 保留 p 的 IP 头地址等字段，替换协议号和负载重建数据包
func reserializeWithProto(p *packet.Packet, proto uint8, payload []byte) ([]byte, error) {
	if p.V4 != nil {
		hdr := *p.V4
		hdr.Protocol = layers.IPProtocol(proto)
		hdr.Checksum = 0
		return packet.SerializeIP(&hdr, nil, payload)
	}
	hdr := *p.V6
	hdr.NextHeader = layers.IPProtocol(proto)
	return packet.SerializeIP(nil, &hdr, payload)
}
