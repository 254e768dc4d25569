package packet

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// TestBuildUDPv4 构造的 IPv4/UDP 包可解析且长度字段正确
func TestBuildUDPv4(t *testing.T) {
	src := net.ParseIP("10.0.100.1")
	dst := net.ParseIP("8.8.8.8")
	payload := []byte("hello")

	raw, err := BuildUDP(4, src, dst, 4500, 53, payload)
	if err != nil {
		t.Fatalf("BuildUDP 失败: %v", err)
	}
	if len(raw) != 20+8+len(payload) {
		t.Fatalf("包长度错误: got %d, want %d", len(raw), 20+8+len(payload))
	}

	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	if p.Version() != 4 {
		t.Errorf("版本错误: got %d", p.Version())
	}
	if !p.SrcIP().Equal(src) || !p.DstIP().Equal(dst) {
		t.Errorf("地址错误: %v -> %v", p.SrcIP(), p.DstIP())
	}
	if p.Protocol() != unix.IPPROTO_UDP {
		t.Errorf("协议错误: got %d", p.Protocol())
	}
	if p.UDP == nil || uint16(p.UDP.SrcPort) != 4500 || uint16(p.UDP.DstPort) != 53 {
		t.Errorf("UDP 端口错误: %+v", p.UDP)
	}
	if int(p.UDP.Length) != 8+len(payload) {
		t.Errorf("UDP 长度字段错误: got %d, want %d", p.UDP.Length, 8+len(payload))
	}
	if !bytes.Equal(p.Payload, payload) {
		t.Errorf("载荷错误: got % x", p.Payload)
	}
	if p.UDP.Checksum == 0 {
		t.Error("UDP 校验和未计算")
	}
}

// TestBuildUDPv6 构造的 IPv6/UDP 包可解析
func TestBuildUDPv6(t *testing.T) {
	src := net.ParseIP("2001:db8::1")
	dst := net.ParseIP("2001:4860:4860::8888")

	raw, err := BuildUDP(6, src, dst, 1024, 4500, []byte("probe"))
	if err != nil {
		t.Fatalf("BuildUDP 失败: %v", err)
	}
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	if p.Version() != 6 || p.HeaderLen() != 40 {
		t.Errorf("IPv6 头解析错误: version=%d hdrlen=%d", p.Version(), p.HeaderLen())
	}
	if !p.SrcIP().Equal(src) || !p.DstIP().Equal(dst) {
		t.Errorf("地址错误: %v -> %v", p.SrcIP(), p.DstIP())
	}
	if p.Protocol() != unix.IPPROTO_UDP {
		t.Errorf("NextHeader 错误: got %d", p.Protocol())
	}
	if !bytes.Equal(p.L3Payload(), raw[40:]) {
		t.Error("L3Payload 切分错误")
	}
}

// TestParseESP 协议号 50 的包解析出 ESP 层
func TestParseESP(t *testing.T) {
	espPayload := []byte{
		0x00, 0x00, 0x12, 0x34, // SPI
		0x00, 0x00, 0x00, 0x01, // Seq
		0xde, 0xad, 0xbe, 0xef,
	}
	ip := NewIPv4(net.ParseIP("10.0.100.1"), net.ParseIP("8.8.8.8"), 50)
	raw, err := SerializeIP(ip, nil, espPayload)
	if err != nil {
		t.Fatalf("SerializeIP 失败: %v", err)
	}

	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	if !p.IsESP() {
		t.Fatal("应识别为 ESP 包")
	}
	if p.ESP == nil {
		t.Fatal("缺少 ESP 层")
	}
	if p.ESP.SPI != 0x1234 || p.ESP.Seq != 1 {
		t.Errorf("ESP 头错误: spi=%#x seq=%d", p.ESP.SPI, p.ESP.Seq)
	}
}

// TestParseErrors 非法输入
func TestParseErrors(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Error("空输入应报错")
	}
	if _, err := Parse([]byte{0x50, 0, 0, 0}); err == nil {
		t.Error("未知 IP 版本应报错")
	}
}

// TestNormalize 抹平 IPv4 非确定性字段后可直接比较
func TestNormalize(t *testing.T) {
	raw, err := BuildUDP(4, net.ParseIP("10.0.100.1"), net.ParseIP("8.8.8.8"), 1234, 53, []byte("x"))
	if err != nil {
		t.Fatalf("BuildUDP 失败: %v", err)
	}

	// 模拟内核填充: 随机 Id、不同 TTL、重算的头校验和
	mangled := append([]byte(nil), raw...)
	mangled[4], mangled[5] = 0xab, 0xcd
	mangled[8] = 57
	mangled[10], mangled[11] = 0, 0
	csum := ipv4Checksum(mangled[:20])
	mangled[10] = byte(csum >> 8)
	mangled[11] = byte(csum)

	n1, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize 失败: %v", err)
	}
	n2, err := Normalize(mangled)
	if err != nil {
		t.Fatalf("Normalize 失败: %v", err)
	}
	if !bytes.Equal(n1, n2) {
		t.Errorf("归一化后应相等:\n%s", Diff(n1, n2))
	}

	// 归一化不改载荷
	if !bytes.Equal(n1[28:], raw[28:]) {
		t.Error("归一化不应改动 L4 数据")
	}
}

// TestDiff 相等为空，不等包含两侧字节
func TestDiff(t *testing.T) {
	a := []byte{1, 2, 3}
	if Diff(a, []byte{1, 2, 3}) != "" {
		t.Error("相等输入的 Diff 应为空")
	}
	d := Diff(a, []byte{1, 2, 4})
	if d == "" || !strings.Contains(d, "want") || !strings.Contains(d, "got") {
		t.Errorf("Diff 输出不完整: %q", d)
	}
}
