package esp

import (
	"bytes"
	"net"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/iniwex5/xfrmkit/pkg/packet"
	"github.com/iniwex5/xfrmkit/pkg/xfrmnl"
)

// TestHeaderWireFormat ESP 头大端编码，且只转换一次
func TestHeaderWireFormat(t *testing.T) {
	h := Header{SPI: 0x1234, Seq: 1}
	b := h.Marshal()
	want := []byte{0x00, 0x00, 0x12, 0x34, 0x00, 0x00, 0x00, 0x01}
	if !bytes.Equal(b, want) {
		t.Errorf("ESP 头线上字节错误: got % x, want % x", b, want)
	}

	back, err := ParseHeader(b)
	if err != nil {
		t.Fatalf("ParseHeader 失败: %v", err)
	}
	if back != h {
		t.Errorf("ESP 头往返不一致: got %+v, want %+v", back, h)
	}

	if _, err := ParseHeader(b[:7]); err == nil {
		t.Error("过短负载应报错")
	}
}

// TestTrailerPadding 尾部填充：对齐到块大小，填充字节单调递增
func TestTrailerPadding(t *testing.T) {
	cases := []struct {
		payloadLen int
		blockSize  int
		wantPad    int
	}{
		{0, 4, 2},  // 0+2=2 → 补 2
		{2, 4, 0},  // 2+2=4 已对齐
		{5, 4, 1},  // 5+2=7 → 补 1
		{6, 4, 0},  // 6+2=8 已对齐
		{7, 16, 7}, // 7+2=9 → 补到 16
		{14, 16, 0},
	}
	for _, c := range cases {
		if got := PadLength(c.payloadLen, c.blockSize); got != c.wantPad {
			t.Errorf("PadLength(%d, %d): got %d, want %d", c.payloadLen, c.blockSize, got, c.wantPad)
			continue
		}
		tr := Trailer(c.payloadLen, c.blockSize, unix.IPPROTO_UDP)
		if len(tr) != c.wantPad+TrailerFixedLen {
			t.Errorf("尾部长度错误: got %d, want %d", len(tr), c.wantPad+TrailerFixedLen)
		}
		for i := 0; i < c.wantPad; i++ {
			if tr[i] != byte(i+1) {
				t.Errorf("填充字节 %d 错误: got %d, want %d", i, tr[i], i+1)
			}
		}
		if int(tr[len(tr)-2]) != c.wantPad {
			t.Errorf("padLen 字段错误: got %d, want %d", tr[len(tr)-2], c.wantPad)
		}
		if tr[len(tr)-1] != unix.IPPROTO_UDP {
			t.Errorf("nextProto 字段错误: got %d", tr[len(tr)-1])
		}
	}
}

// TestPacketLength 长度预测：内层 UDP + 填充 + IV + ESP 头 + ICV
func TestPacketLength(t *testing.T) {
	cases := []struct {
		name     string
		mode     uint8
		version  int
		udpEncap bool
		payload  int
		crypt    xfrmnl.CryptAlgo
		auth     xfrmnl.AuthAlgo
		want     int
	}{
		// 7+8(UDP)+2=17 → 对齐 20, +8 ESP 头
		{"transport v4 null/null", xfrmnl.ModeTransport, 4, false, 7, xfrmnl.CryptNull, xfrmnl.AuthNull, 28},
		// 同上 + 8 封装 UDP 头
		{"transport v4 null/null encap", xfrmnl.ModeTransport, 4, true, 7, xfrmnl.CryptNull, xfrmnl.AuthNull, 36},
		// +12 字节 HMAC-SHA1-96 ICV
		{"transport v4 null/sha1", xfrmnl.ModeTransport, 4, false, 7, xfrmnl.CryptNull, xfrmnl.AuthHMACSHA1, 40},
		// 17 → 对齐 32 (块 16), +16 IV, +8
		{"transport v4 aes/null", xfrmnl.ModeTransport, 4, false, 7, xfrmnl.CryptAESCBC256, xfrmnl.AuthNull, 56},
		// +20 内层 IPv4 头: 37 → 40, +8
		{"tunnel v4 null/null", xfrmnl.ModeTunnel, 4, false, 7, xfrmnl.CryptNull, xfrmnl.AuthNull, 48},
		// +40 内层 IPv6 头: 57 → 60, +8, +16 SHA256 ICV
		{"tunnel v6 null/sha256", xfrmnl.ModeTunnel, 6, false, 7, xfrmnl.CryptNull, xfrmnl.AuthHMACSHA256, 84},
	}
	for _, c := range cases {
		got := PacketLength(c.mode, c.version, c.udpEncap, c.payload, c.crypt, c.auth)
		if got != c.want {
			t.Errorf("%s: got %d, want %d", c.name, got, c.want)
		}
	}
}

// TestEncryptDecryptNullTransport transport 模式手工封包/解包往返
func TestEncryptDecryptNullTransport(t *testing.T) {
	src := net.ParseIP("10.0.100.1")
	dst := net.ParseIP("8.8.8.8")
	plain, err := packet.BuildUDP(4, src, dst, 1234, 53, []byte("payload"))
	if err != nil {
		t.Fatalf("BuildUDP 失败: %v", err)
	}

	enc, err := EncryptNull(plain, 0x1234, 1, nil, nil)
	if err != nil {
		t.Fatalf("EncryptNull 失败: %v", err)
	}

	p, err := packet.Parse(enc)
	if err != nil {
		t.Fatalf("封包解析失败: %v", err)
	}
	if !p.IsESP() {
		t.Fatalf("外层协议错误: %d", p.Protocol())
	}
	if !p.SrcIP().Equal(src) || !p.DstIP().Equal(dst) {
		t.Error("transport 模式必须保留原 IP 头地址")
	}

	// ESP 负载总长与预测一致 (载荷 7 字节)
	if got, want := len(enc)-20, PacketLength(xfrmnl.ModeTransport, 4, false, 7, xfrmnl.CryptNull, xfrmnl.AuthNull); got != want {
		t.Errorf("ESP 负载长度与预测不符: got %d, want %d", got, want)
	}

	// SPI 线上字节：防止双重换序
	if !bytes.Equal(enc[20:24], []byte{0x00, 0x00, 0x12, 0x34}) {
		t.Errorf("SPI 线上字节错误: % x", enc[20:24])
	}

	dec, hdr, err := DecryptNull(enc)
	if err != nil {
		t.Fatalf("DecryptNull 失败: %v", err)
	}
	if hdr.SPI != 0x1234 || hdr.Seq != 1 {
		t.Errorf("ESP 头错误: %+v", hdr)
	}
	if !bytes.Equal(dec, plain) {
		t.Errorf("解包结果与原始包不符:\n%s", packet.Diff(plain, dec))
	}
}

// TestEncryptDecryptNullTunnel tunnel 模式：内层整包往返，外层用隧道端点
func TestEncryptDecryptNullTunnel(t *testing.T) {
	inner, err := packet.BuildUDP(4, net.ParseIP("10.0.100.1"), net.ParseIP("8.8.8.8"), 1234, 53, []byte("tunneled"))
	if err != nil {
		t.Fatalf("BuildUDP 失败: %v", err)
	}
	tunSrc := net.ParseIP("192.0.2.1")
	tunDst := net.ParseIP("8.8.4.4")

	enc, err := EncryptNull(inner, 0xbeef, 7, tunSrc, tunDst)
	if err != nil {
		t.Fatalf("EncryptNull 失败: %v", err)
	}

	p, err := packet.Parse(enc)
	if err != nil {
		t.Fatalf("封包解析失败: %v", err)
	}
	if !p.SrcIP().Equal(tunSrc) || !p.DstIP().Equal(tunDst) {
		t.Errorf("外层端点错误: %v -> %v", p.SrcIP(), p.DstIP())
	}

	// 尾部 next header 必须标记内层为 IPv4-in-IPv4
	if enc[len(enc)-1] != unix.IPPROTO_IPIP {
		t.Errorf("nextProto 错误: got %d, want %d", enc[len(enc)-1], unix.IPPROTO_IPIP)
	}

	dec, hdr, err := DecryptNull(enc)
	if err != nil {
		t.Fatalf("DecryptNull 失败: %v", err)
	}
	if hdr.SPI != 0xbeef || hdr.Seq != 7 {
		t.Errorf("ESP 头错误: %+v", hdr)
	}
	if !bytes.Equal(dec, inner) {
		t.Errorf("内层包不一致:\n%s", packet.Diff(inner, dec))
	}
}

// TestEncryptNullV6Transport IPv6 transport 模式
func TestEncryptNullV6Transport(t *testing.T) {
	plain, err := packet.BuildUDP(6, net.ParseIP("2001:db8::1"), net.ParseIP("2001:4860:4860::8888"), 1024, 53, []byte("v6"))
	if err != nil {
		t.Fatalf("BuildUDP 失败: %v", err)
	}
	enc, err := EncryptNull(plain, 0x1, 1, nil, nil)
	if err != nil {
		t.Fatalf("EncryptNull 失败: %v", err)
	}
	p, err := packet.Parse(enc)
	if err != nil {
		t.Fatalf("封包解析失败: %v", err)
	}
	if p.Version() != 6 || !p.IsESP() {
		t.Fatalf("外层头错误: version=%d proto=%d", p.Version(), p.Protocol())
	}

	dec, _, err := DecryptNull(enc)
	if err != nil {
		t.Fatalf("DecryptNull 失败: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Errorf("往返不一致:\n%s", packet.Diff(plain, dec))
	}
}

// TestBuildUDPEncap NAT-T 外壳
func TestBuildUDPEncap(t *testing.T) {
	espPayload := append(Header{SPI: 0x1234, Seq: 1}.Marshal(), make([]byte, 24)...)
	raw, err := BuildUDPEncap(4, net.ParseIP("8.8.8.8"), net.ParseIP("10.0.100.1"), NATTPort, 32012, espPayload)
	if err != nil {
		t.Fatalf("BuildUDPEncap 失败: %v", err)
	}
	p, err := packet.Parse(raw)
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	if p.UDP == nil || uint16(p.UDP.SrcPort) != NATTPort {
		t.Fatalf("UDP 外壳错误: %+v", p.UDP)
	}
	if !bytes.Equal(p.Payload, espPayload) {
		t.Error("UDP 载荷应为原始 ESP 字节")
	}
	// 封装接收下限
	if len(espPayload)-HeaderLen < EncapRxMinV4 {
		t.Error("测试负载低于内核接收下限")
	}
}
