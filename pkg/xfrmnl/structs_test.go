package xfrmnl

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

// TestMarshalSizes 各结构的编码长度必须与内核 ABI 一致
func TestMarshalSizes(t *testing.T) {
	sel := EmptySelector(unix.AF_INET)
	sa := UsersaInfo{}
	id := UsersaID{}
	spi := UserSpiInfo{}
	pol := UserpolicyInfo{}
	pid := UserpolicyID{}
	tmpl := UserTmpl{}
	encap := EncapTmpl{}
	mark := Mark{}

	cases := []struct {
		name string
		got  int
		want int
	}{
		{"xfrm_selector", len(sel.Marshal()), SizeofSelector},
		{"xfrm_usersa_info", len(sa.Marshal()), SizeofUsersaInfo},
		{"xfrm_usersa_id", len(id.Marshal()), SizeofUsersaID},
		{"xfrm_userspi_info", len(spi.Marshal()), SizeofUserSpiInfo},
		{"xfrm_userpolicy_info", len(pol.Marshal()), SizeofUserpolicyInfo},
		{"xfrm_userpolicy_id", len(pid.Marshal()), SizeofUserpolicyID},
		{"xfrm_user_tmpl", len(tmpl.Marshal()), SizeofUserTmpl},
		{"xfrm_encap_tmpl", len(encap.Marshal()), SizeofEncapTmpl},
		{"xfrm_mark", len(mark.Marshal()), SizeofMark},
		{"xfrm_usersa_flush", len(marshalUsersaFlush(0)), SizeofUsersaFlush},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s 编码长度错误: got %#x, want %#x", c.name, c.got, c.want)
		}
	}
}

// TestSPIWireByteOrder SPI 在线上必须是大端，且只转换一次
func TestSPIWireByteOrder(t *testing.T) {
	id := ID{SPI: 0x12345678, Proto: unix.IPPROTO_ESP}
	b := make([]byte, SizeofID)
	id.marshal(b)
	if !bytes.Equal(b[16:20], []byte{0x12, 0x34, 0x56, 0x78}) {
		t.Errorf("SPI 线上字节错误: got % x, want 12 34 56 78", b[16:20])
	}

	var back ID
	back.unmarshal(b)
	if back.SPI != 0x12345678 {
		t.Errorf("SPI 回读错误: got %#x, want 0x12345678", back.SPI)
	}
}

// TestSelectorPortByteOrder 选择器端口是网络字节序
func TestSelectorPortByteOrder(t *testing.T) {
	sel := Selector{Dport: 0x1234, DportMask: 0xffff, Family: unix.AF_INET}
	b := sel.Marshal()
	if !bytes.Equal(b[32:34], []byte{0x12, 0x34}) {
		t.Errorf("dport 线上字节错误: got % x, want 12 34", b[32:34])
	}

	back, err := ParseSelector(b)
	if err != nil {
		t.Fatalf("ParseSelector 失败: %v", err)
	}
	if diff := cmp.Diff(sel, back); diff != "" {
		t.Errorf("选择器往返不一致 (-want +got):\n%s", diff)
	}
}

// TestAddressConversion 地址与 net.IP 的互转
func TestAddressConversion(t *testing.T) {
	v4 := net.ParseIP("192.0.2.1")
	a := AddressFromIP(v4)
	if !bytes.Equal(a[0:4], []byte{192, 0, 2, 1}) {
		t.Errorf("IPv4 地址编码错误: got % x", a[0:4])
	}
	if !bytes.Equal(a[4:], make([]byte, 12)) {
		t.Error("IPv4 地址尾部应补零")
	}
	if got := a.IP(unix.AF_INET); !got.Equal(v4) {
		t.Errorf("IPv4 回读错误: got %v, want %v", got, v4)
	}

	v6 := net.ParseIP("2001:db8::1")
	a6 := AddressFromIP(v6)
	if got := a6.IP(unix.AF_INET6); !got.Equal(v6) {
		t.Errorf("IPv6 回读错误: got %v, want %v", got, v6)
	}

	if FamilyOf(v4) != unix.AF_INET || FamilyOf(v6) != unix.AF_INET6 {
		t.Error("FamilyOf 判断错误")
	}
}

// TestUsersaInfoRoundtrip SA 信息结构编解码往返
func TestUsersaInfoRoundtrip(t *testing.T) {
	sa := UsersaInfo{
		Sel: EmptySelector(unix.AF_INET6),
		ID: ID{
			Daddr: AddressFromIP(net.ParseIP("2001:4860:4860::8888")),
			SPI:   0xdeadbeef,
			Proto: unix.IPPROTO_ESP,
		},
		Saddr:        AddressFromIP(net.ParseIP("2001:db8::1")),
		Lft:          InfiniteLifetime(),
		Curlft:       LifetimeCur{Bytes: 1234, Packets: 5},
		Stats:        Stats{IntegrityFailed: 2},
		Reqid:        3320,
		Family:       unix.AF_INET6,
		Mode:         ModeTunnel,
		ReplayWindow: 32,
		Flags:        1,
	}
	back, err := ParseUsersaInfo(sa.Marshal())
	if err != nil {
		t.Fatalf("ParseUsersaInfo 失败: %v", err)
	}
	if diff := cmp.Diff(sa, back); diff != "" {
		t.Errorf("xfrm_usersa_info 往返不一致 (-want +got):\n%s", diff)
	}
}

// TestUserpolicyInfoRoundtrip 策略结构编解码往返
func TestUserpolicyInfoRoundtrip(t *testing.T) {
	pol := NewUserPolicy(DirOut, EmptySelector(unix.AF_INET))
	pol.Priority = 100
	back, err := ParseUserpolicyInfo(pol.Marshal())
	if err != nil {
		t.Fatalf("ParseUserpolicyInfo 失败: %v", err)
	}
	if diff := cmp.Diff(pol, back); diff != "" {
		t.Errorf("xfrm_userpolicy_info 往返不一致 (-want +got):\n%s", diff)
	}
	if back.Action != PolicyAllow {
		t.Errorf("默认 action 错误: got %d, want allow", back.Action)
	}
	if back.Lft.HardByteLimit != Infinity {
		t.Error("默认生命周期应为无限")
	}
}

// TestUserTmplModes 模板构造：transport 与 tunnel
func TestUserTmplModes(t *testing.T) {
	tr := NewUserTmpl(unix.AF_INET, 0x1234, 100, nil, nil)
	if tr.Mode != ModeTransport {
		t.Errorf("transport 模板模式错误: got %d", tr.Mode)
	}
	if tr.Aalgos != ^uint32(0) || tr.Ealgos != ^uint32(0) || tr.Calgos != ^uint32(0) {
		t.Error("模板应允许任意算法")
	}

	src := net.ParseIP("10.0.100.1")
	dst := net.ParseIP("8.8.4.4")
	tu := NewUserTmpl(unix.AF_INET, 0x1234, 100, src, dst)
	if tu.Mode != ModeTunnel {
		t.Errorf("tunnel 模板模式错误: got %d", tu.Mode)
	}
	if !tu.ID.Daddr.IP(unix.AF_INET).Equal(dst) || !tu.Saddr.IP(unix.AF_INET).Equal(src) {
		t.Error("tunnel 模板端点地址错误")
	}

	back, err := ParseUserTmpl(tu.Marshal())
	if err != nil {
		t.Fatalf("ParseUserTmpl 失败: %v", err)
	}
	if diff := cmp.Diff(tu, back); diff != "" {
		t.Errorf("xfrm_user_tmpl 往返不一致 (-want +got):\n%s", diff)
	}
}

// TestEncapTmplMirror 封装模板镜像：一对 SA 的端口互换
func TestEncapTmplMirror(t *testing.T) {
	e := EncapTmpl{Type: UDPEncapESPInUDP, Sport: 4500, Dport: 12345}
	m := e.Mirror()
	if m.Sport != 12345 || m.Dport != 4500 {
		t.Errorf("镜像端口错误: got %d/%d, want 12345/4500", m.Sport, m.Dport)
	}
	if m.Mirror() != e {
		t.Error("两次镜像应还原")
	}

	// 端口网络字节序
	b := e.Marshal()
	if !bytes.Equal(b[2:4], []byte{0x11, 0x94}) {
		t.Errorf("sport 线上字节错误: got % x, want 11 94", b[2:4])
	}
	back, err := ParseEncapTmpl(b)
	if err != nil {
		t.Fatalf("ParseEncapTmpl 失败: %v", err)
	}
	if back != e {
		t.Errorf("封装模板往返不一致: got %+v, want %+v", back, e)
	}
}

// TestExactMark 全掩码 mark
func TestExactMark(t *testing.T) {
	m := ExactMark(100)
	if m.Value != 100 || m.Mask != 0xffffffff {
		t.Errorf("ExactMark 错误: %+v", m)
	}
	back, err := ParseMark(m.Marshal())
	if err != nil {
		t.Fatalf("ParseMark 失败: %v", err)
	}
	if back != *m {
		t.Errorf("mark 往返不一致: got %+v", back)
	}
}

// TestAlgoRoundtrip 算法结构编解码（名称 C 字符串 + 位长密钥）
func TestAlgoRoundtrip(t *testing.T) {
	key := bytes.Repeat([]byte{0xaa}, 32)
	a := Algo{Name: "cbc(aes)", KeyLen: 256, Key: key}
	b := a.Marshal()
	if len(b) != SizeofAlgo+32 {
		t.Fatalf("xfrm_algo 编码长度错误: got %d, want %d", len(b), SizeofAlgo+32)
	}
	back, err := ParseAlgo(b)
	if err != nil {
		t.Fatalf("ParseAlgo 失败: %v", err)
	}
	if back.Name != "cbc(aes)" || back.KeyLen != 256 || !bytes.Equal(back.Key, key) {
		t.Errorf("xfrm_algo 往返不一致: %+v", back)
	}

	auth := AlgoAuth{Name: "hmac(sha1)", KeyLen: 128, TruncLen: 96, Key: bytes.Repeat([]byte{1}, 16)}
	backAuth, err := ParseAlgoAuth(auth.Marshal())
	if err != nil {
		t.Fatalf("ParseAlgoAuth 失败: %v", err)
	}
	if backAuth.TruncLen != 96 || backAuth.Name != "hmac(sha1)" {
		t.Errorf("xfrm_algo_auth 往返不一致: %+v", backAuth)
	}
}

// TestUserSpiInfoOffsets SPI 分配请求的 min/max 位置
func TestUserSpiInfoOffsets(t *testing.T) {
	u := UserSpiInfo{Min: 0x100, Max: 0x1ff}
	b := u.Marshal()
	if native.Uint32(b[224:]) != 0x100 || native.Uint32(b[228:]) != 0x1ff {
		t.Errorf("min/max 偏移错误: got %#x/%#x", native.Uint32(b[224:]), native.Uint32(b[228:]))
	}
}
