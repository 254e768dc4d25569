package xfrmnl

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// XFRM 固定布局结构的二进制编解码。
//
// 内核 ABI 中多数字段为主机字节序，SPI 与端口为网络字节序 (__be32/__be16)。
// Go 侧结构一律保存主机序数值，字节序转换只在本文件的编解码边界发生一次。
// 布局参照 uapi/linux/xfrm.h；长度常量与内核一致，编码错位会被测试用
// Sizeof* 常量直接抓出来。

const (
	SizeofAddress        = 0x10
	SizeofSelector       = 0x38
	SizeofLifetimeCfg    = 0x40
	SizeofLifetimeCur    = 0x20
	SizeofStats          = 0x0c
	SizeofID             = 0x18
	SizeofUsersaInfo     = 0xe0
	SizeofUsersaID       = 0x18
	SizeofUserSpiInfo    = 0xe8
	SizeofAlgo           = 0x44
	SizeofAlgoAuth       = 0x48
	SizeofEncapTmpl      = 0x18
	SizeofMark           = 0x08
	SizeofUsersaFlush    = 0x08
	SizeofUserpolicyInfo = 0xa8
	SizeofUserpolicyID   = 0x40
	SizeofUserTmpl       = 0x40
)

var native = binary.NativeEndian

// Address 对应 xfrm_address_t（IPv4 占前 4 字节，其余补零）
type Address [SizeofAddress]byte

// AddressFromIP 将 net.IP 转换为 xfrm_address_t
func AddressFromIP(ip net.IP) Address {
	var a Address
	if ip == nil {
		return a
	}
	if ip4 := ip.To4(); ip4 != nil {
		copy(a[0:4], ip4)
		return a
	}
	copy(a[:], ip.To16())
	return a
}

// IP 按地址族还原为 net.IP
func (a Address) IP(family uint16) net.IP {
	if family == unix.AF_INET {
		return net.IP(append([]byte(nil), a[0:4]...))
	}
	return net.IP(append([]byte(nil), a[:]...))
}

// FamilyOf 返回地址对应的 AF_INET / AF_INET6
func FamilyOf(ip net.IP) uint16 {
	if ip != nil && ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Selector 对应 struct xfrm_selector
type Selector struct {
	Daddr      Address
	Saddr      Address
	Dport      uint16
	DportMask  uint16
	Sport      uint16
	SportMask  uint16
	Family     uint16
	PrefixlenD uint8
	PrefixlenS uint8
	Proto      uint8
	Ifindex    int32
	User       uint32
}

// EmptySelector 返回只带地址族的通配选择器
func EmptySelector(family uint16) Selector {
	return Selector{Family: family}
}

func (s *Selector) marshal(b []byte) {
	copy(b[0:16], s.Daddr[:])
	copy(b[16:32], s.Saddr[:])
	binary.BigEndian.PutUint16(b[32:], s.Dport)
	binary.BigEndian.PutUint16(b[34:], s.DportMask)
	binary.BigEndian.PutUint16(b[36:], s.Sport)
	binary.BigEndian.PutUint16(b[38:], s.SportMask)
	native.PutUint16(b[40:], s.Family)
	b[42] = s.PrefixlenD
	b[43] = s.PrefixlenS
	b[44] = s.Proto
	native.PutUint32(b[48:], uint32(s.Ifindex))
	native.PutUint32(b[52:], s.User)
}

func (s *Selector) unmarshal(b []byte) {
	copy(s.Daddr[:], b[0:16])
	copy(s.Saddr[:], b[16:32])
	s.Dport = binary.BigEndian.Uint16(b[32:])
	s.DportMask = binary.BigEndian.Uint16(b[34:])
	s.Sport = binary.BigEndian.Uint16(b[36:])
	s.SportMask = binary.BigEndian.Uint16(b[38:])
	s.Family = native.Uint16(b[40:])
	s.PrefixlenD = b[42]
	s.PrefixlenS = b[43]
	s.Proto = b[44]
	s.Ifindex = int32(native.Uint32(b[48:]))
	s.User = native.Uint32(b[52:])
}

// Marshal 序列化为 0x38 字节
func (s *Selector) Marshal() []byte {
	b := make([]byte, SizeofSelector)
	s.marshal(b)
	return b
}

// ParseSelector 解析 xfrm_selector
func ParseSelector(b []byte) (Selector, error) {
	var s Selector
	if len(b) < SizeofSelector {
		return s, fmt.Errorf("xfrm_selector 长度不足: %d", len(b))
	}
	s.unmarshal(b)
	return s, nil
}

// LifetimeCfg 对应 struct xfrm_lifetime_cfg
type LifetimeCfg struct {
	SoftByteLimit         uint64
	HardByteLimit         uint64
	SoftPacketLimit       uint64
	HardPacketLimit       uint64
	SoftAddExpiresSeconds uint64
	HardAddExpiresSeconds uint64
	SoftUseExpiresSeconds uint64
	HardUseExpiresSeconds uint64
}

// InfiniteLifetime 返回无限制的生命周期配置
func InfiniteLifetime() LifetimeCfg {
	return LifetimeCfg{
		SoftByteLimit:   Infinity,
		HardByteLimit:   Infinity,
		SoftPacketLimit: Infinity,
		HardPacketLimit: Infinity,
	}
}

func (l *LifetimeCfg) marshal(b []byte) {
	native.PutUint64(b[0:], l.SoftByteLimit)
	native.PutUint64(b[8:], l.HardByteLimit)
	native.PutUint64(b[16:], l.SoftPacketLimit)
	native.PutUint64(b[24:], l.HardPacketLimit)
	native.PutUint64(b[32:], l.SoftAddExpiresSeconds)
	native.PutUint64(b[40:], l.HardAddExpiresSeconds)
	native.PutUint64(b[48:], l.SoftUseExpiresSeconds)
	native.PutUint64(b[56:], l.HardUseExpiresSeconds)
}

func (l *LifetimeCfg) unmarshal(b []byte) {
	l.SoftByteLimit = native.Uint64(b[0:])
	l.HardByteLimit = native.Uint64(b[8:])
	l.SoftPacketLimit = native.Uint64(b[16:])
	l.HardPacketLimit = native.Uint64(b[24:])
	l.SoftAddExpiresSeconds = native.Uint64(b[32:])
	l.HardAddExpiresSeconds = native.Uint64(b[40:])
	l.SoftUseExpiresSeconds = native.Uint64(b[48:])
	l.HardUseExpiresSeconds = native.Uint64(b[56:])
}

// LifetimeCur 对应 struct xfrm_lifetime_cur（SA 在线计数器）
type LifetimeCur struct {
	Bytes   uint64
	Packets uint64
	AddTime uint64
	UseTime uint64
}

func (l *LifetimeCur) marshal(b []byte) {
	native.PutUint64(b[0:], l.Bytes)
	native.PutUint64(b[8:], l.Packets)
	native.PutUint64(b[16:], l.AddTime)
	native.PutUint64(b[24:], l.UseTime)
}

func (l *LifetimeCur) unmarshal(b []byte) {
	l.Bytes = native.Uint64(b[0:])
	l.Packets = native.Uint64(b[8:])
	l.AddTime = native.Uint64(b[16:])
	l.UseTime = native.Uint64(b[24:])
}

// Stats 对应 struct xfrm_stats
type Stats struct {
	ReplayWindow    uint32
	Replay          uint32
	IntegrityFailed uint32
}

func (s *Stats) marshal(b []byte) {
	native.PutUint32(b[0:], s.ReplayWindow)
	native.PutUint32(b[4:], s.Replay)
	native.PutUint32(b[8:], s.IntegrityFailed)
}

func (s *Stats) unmarshal(b []byte) {
	s.ReplayWindow = native.Uint32(b[0:])
	s.Replay = native.Uint32(b[4:])
	s.IntegrityFailed = native.Uint32(b[8:])
}

// ID 对应 struct xfrm_id，(daddr, spi, proto) 唯一确定一个 SA
type ID struct {
	Daddr Address
	SPI   uint32
	Proto uint8
}

func (id *ID) marshal(b []byte) {
	copy(b[0:16], id.Daddr[:])
	binary.BigEndian.PutUint32(b[16:], id.SPI)
	b[20] = id.Proto
}

func (id *ID) unmarshal(b []byte) {
	copy(id.Daddr[:], b[0:16])
	id.SPI = binary.BigEndian.Uint32(b[16:])
	id.Proto = b[20]
}

// UsersaInfo 对应 struct xfrm_usersa_info
type UsersaInfo struct {
	Sel          Selector
	ID           ID
	Saddr        Address
	Lft          LifetimeCfg
	Curlft       LifetimeCur
	Stats        Stats
	Seq          uint32
	Reqid        uint32
	Family       uint16
	Mode         uint8
	ReplayWindow uint8
	Flags        uint8
}

// Marshal 序列化为 0xe0 字节
func (sa *UsersaInfo) Marshal() []byte {
	b := make([]byte, SizeofUsersaInfo)
	sa.marshal(b)
	return b
}

func (sa *UsersaInfo) marshal(b []byte) {
	sa.Sel.marshal(b[0:])
	sa.ID.marshal(b[56:])
	copy(b[80:96], sa.Saddr[:])
	sa.Lft.marshal(b[96:])
	sa.Curlft.marshal(b[160:])
	sa.Stats.marshal(b[192:])
	native.PutUint32(b[204:], sa.Seq)
	native.PutUint32(b[208:], sa.Reqid)
	native.PutUint16(b[212:], sa.Family)
	b[214] = sa.Mode
	b[215] = sa.ReplayWindow
	b[216] = sa.Flags
}

func (sa *UsersaInfo) unmarshal(b []byte) {
	sa.Sel.unmarshal(b[0:])
	sa.ID.unmarshal(b[56:])
	copy(sa.Saddr[:], b[80:96])
	sa.Lft.unmarshal(b[96:])
	sa.Curlft.unmarshal(b[160:])
	sa.Stats.unmarshal(b[192:])
	sa.Seq = native.Uint32(b[204:])
	sa.Reqid = native.Uint32(b[208:])
	sa.Family = native.Uint16(b[212:])
	sa.Mode = b[214]
	sa.ReplayWindow = b[215]
	sa.Flags = b[216]
}

// ParseUsersaInfo 解析 xfrm_usersa_info
func ParseUsersaInfo(b []byte) (UsersaInfo, error) {
	var sa UsersaInfo
	if len(b) < SizeofUsersaInfo {
		return sa, fmt.Errorf("xfrm_usersa_info 长度不足: %d", len(b))
	}
	sa.unmarshal(b)
	return sa, nil
}

// UsersaID 对应 struct xfrm_usersa_id（删除/查询 SA 的键）
type UsersaID struct {
	Daddr  Address
	SPI    uint32
	Family uint16
	Proto  uint8
}

// Marshal 序列化为 0x18 字节
func (id *UsersaID) Marshal() []byte {
	b := make([]byte, SizeofUsersaID)
	copy(b[0:16], id.Daddr[:])
	binary.BigEndian.PutUint32(b[16:], id.SPI)
	native.PutUint16(b[20:], id.Family)
	b[22] = id.Proto
	return b
}

// UserSpiInfo 对应 struct xfrm_userspi_info（SPI 分配请求）
type UserSpiInfo struct {
	Info UsersaInfo
	Min  uint32
	Max  uint32
}

// Marshal 序列化为 0xe8 字节
func (u *UserSpiInfo) Marshal() []byte {
	b := make([]byte, SizeofUserSpiInfo)
	u.Info.marshal(b[0:])
	native.PutUint32(b[224:], u.Min)
	native.PutUint32(b[228:], u.Max)
	return b
}

// Algo 对应 struct xfrm_algo（加密算法 + 密钥）
type Algo struct {
	Name   string
	KeyLen uint32 // 位数
	Key    []byte
}

// Marshal 序列化为 0x44+keylen/8 字节
func (a *Algo) Marshal() []byte {
	b := make([]byte, SizeofAlgo+len(a.Key))
	copy(b[0:64], a.Name)
	native.PutUint32(b[64:], a.KeyLen)
	copy(b[68:], a.Key)
	return b
}

// ParseAlgo 解析 xfrm_algo
func ParseAlgo(b []byte) (Algo, error) {
	var a Algo
	if len(b) < SizeofAlgo {
		return a, fmt.Errorf("xfrm_algo 长度不足: %d", len(b))
	}
	a.Name = cString(b[0:64])
	a.KeyLen = native.Uint32(b[64:])
	keyBytes := int(a.KeyLen / 8)
	if len(b) < SizeofAlgo+keyBytes {
		return a, fmt.Errorf("xfrm_algo 密钥截断: %d < %d", len(b)-SizeofAlgo, keyBytes)
	}
	a.Key = append([]byte(nil), b[68:68+keyBytes]...)
	return a, nil
}

// AlgoAuth 对应 struct xfrm_algo_auth（完整性算法 + 截断长度）
type AlgoAuth struct {
	Name     string
	KeyLen   uint32 // 位数
	TruncLen uint32 // 位数
	Key      []byte
}

// Marshal 序列化为 0x48+keylen/8 字节
func (a *AlgoAuth) Marshal() []byte {
	b := make([]byte, SizeofAlgoAuth+len(a.Key))
	copy(b[0:64], a.Name)
	native.PutUint32(b[64:], a.KeyLen)
	native.PutUint32(b[68:], a.TruncLen)
	copy(b[72:], a.Key)
	return b
}

// ParseAlgoAuth 解析 xfrm_algo_auth
func ParseAlgoAuth(b []byte) (AlgoAuth, error) {
	var a AlgoAuth
	if len(b) < SizeofAlgoAuth {
		return a, fmt.Errorf("xfrm_algo_auth 长度不足: %d", len(b))
	}
	a.Name = cString(b[0:64])
	a.KeyLen = native.Uint32(b[64:])
	a.TruncLen = native.Uint32(b[68:])
	keyBytes := int(a.KeyLen / 8)
	if len(b) < SizeofAlgoAuth+keyBytes {
		return a, fmt.Errorf("xfrm_algo_auth 密钥截断: %d < %d", len(b)-SizeofAlgoAuth, keyBytes)
	}
	a.Key = append([]byte(nil), b[72:72+keyBytes]...)
	return a, nil
}

// EncapTmpl 对应 struct xfrm_encap_tmpl（ESP-in-UDP 封装模板）
// 一对 UDP 封装 SA 的模板互为镜像（源/目的端口对调）
type EncapTmpl struct {
	Type  uint16
	Sport uint16
	Dport uint16
	OA    Address // 保留的 16 字节地址字段
}

// Mirror 返回端口对调后的模板（入站/出站互换）
func (e EncapTmpl) Mirror() EncapTmpl {
	e.Sport, e.Dport = e.Dport, e.Sport
	return e
}

// Marshal 序列化为 0x18 字节
func (e *EncapTmpl) Marshal() []byte {
	b := make([]byte, SizeofEncapTmpl)
	native.PutUint16(b[0:], e.Type)
	binary.BigEndian.PutUint16(b[2:], e.Sport)
	binary.BigEndian.PutUint16(b[4:], e.Dport)
	copy(b[8:24], e.OA[:])
	return b
}

// ParseEncapTmpl 解析 xfrm_encap_tmpl
func ParseEncapTmpl(b []byte) (EncapTmpl, error) {
	var e EncapTmpl
	if len(b) < SizeofEncapTmpl {
		return e, fmt.Errorf("xfrm_encap_tmpl 长度不足: %d", len(b))
	}
	e.Type = native.Uint16(b[0:])
	e.Sport = binary.BigEndian.Uint16(b[2:])
	e.Dport = binary.BigEndian.Uint16(b[4:])
	copy(e.OA[:], b[8:24])
	return e, nil
}

// Mark 对应 struct xfrm_mark；(value & mask) 决定匹配
type Mark struct {
	Value uint32
	Mask  uint32
}

// ExactMark 返回全掩码精确匹配的 mark
func ExactMark(value uint32) *Mark {
	return &Mark{Value: value, Mask: 0xffffffff}
}

// Marshal 序列化为 8 字节
func (m *Mark) Marshal() []byte {
	b := make([]byte, SizeofMark)
	native.PutUint32(b[0:], m.Value)
	native.PutUint32(b[4:], m.Mask)
	return b
}

// ParseMark 解析 xfrm_mark
func ParseMark(b []byte) (Mark, error) {
	var m Mark
	if len(b) < SizeofMark {
		return m, fmt.Errorf("xfrm_mark 长度不足: %d", len(b))
	}
	m.Value = native.Uint32(b[0:])
	m.Mask = native.Uint32(b[4:])
	return m, nil
}

// UserpolicyInfo 对应 struct xfrm_userpolicy_info
type UserpolicyInfo struct {
	Sel      Selector
	Lft      LifetimeCfg
	Curlft   LifetimeCur
	Priority uint32
	Index    uint32
	Dir      uint8
	Action   uint8
	Flags    uint8
	Share    uint8
}

// NewUserPolicy 构造指定方向的通配策略（生命周期无限，action=allow）
func NewUserPolicy(dir uint8, sel Selector) UserpolicyInfo {
	return UserpolicyInfo{
		Sel:    sel,
		Lft:    InfiniteLifetime(),
		Dir:    dir,
		Action: PolicyAllow,
		Share:  ShareAny,
	}
}

// Marshal 序列化为 0xa8 字节
func (p *UserpolicyInfo) Marshal() []byte {
	b := make([]byte, SizeofUserpolicyInfo)
	p.marshal(b)
	return b
}

func (p *UserpolicyInfo) marshal(b []byte) {
	p.Sel.marshal(b[0:])
	p.Lft.marshal(b[56:])
	p.Curlft.marshal(b[120:])
	native.PutUint32(b[152:], p.Priority)
	native.PutUint32(b[156:], p.Index)
	b[160] = p.Dir
	b[161] = p.Action
	b[162] = p.Flags
	b[163] = p.Share
}

// ParseUserpolicyInfo 解析 xfrm_userpolicy_info
func ParseUserpolicyInfo(b []byte) (UserpolicyInfo, error) {
	var p UserpolicyInfo
	if len(b) < SizeofUserpolicyInfo {
		return p, fmt.Errorf("xfrm_userpolicy_info 长度不足: %d", len(b))
	}
	p.Sel.unmarshal(b[0:])
	p.Lft.unmarshal(b[56:])
	p.Curlft.unmarshal(b[120:])
	p.Priority = native.Uint32(b[152:])
	p.Index = native.Uint32(b[156:])
	p.Dir = b[160]
	p.Action = b[161]
	p.Flags = b[162]
	p.Share = b[163]
	return p, nil
}

// UserpolicyID 对应 struct xfrm_userpolicy_id（删除策略的键）
type UserpolicyID struct {
	Sel   Selector
	Index uint32
	Dir   uint8
}

// Marshal 序列化为 0x40 字节
func (p *UserpolicyID) Marshal() []byte {
	b := make([]byte, SizeofUserpolicyID)
	p.Sel.marshal(b[0:])
	native.PutUint32(b[56:], p.Index)
	b[60] = p.Dir
	return b
}

// UserTmpl 对应 struct xfrm_user_tmpl（策略引用的 SA 模板）
type UserTmpl struct {
	ID       ID
	Family   uint16
	Saddr    Address
	Reqid    uint32
	Mode     uint8
	Share    uint8
	Optional uint8
	Aalgos   uint32
	Ealgos   uint32
	Calgos   uint32
}

// NewUserTmpl 构造策略模板。tunnelSrc/tunnelDst 为 nil 时表示 transport 模式。
func NewUserTmpl(family uint16, spi uint32, reqid uint32, tunnelSrc, tunnelDst net.IP) UserTmpl {
	t := UserTmpl{
		ID:     ID{SPI: spi, Proto: unix.IPPROTO_ESP},
		Family: family,
		Reqid:  reqid,
		Mode:   ModeTransport,
		// 允许任意算法
		Aalgos: ^uint32(0),
		Ealgos: ^uint32(0),
		Calgos: ^uint32(0),
	}
	if tunnelDst != nil {
		t.Mode = ModeTunnel
		t.ID.Daddr = AddressFromIP(tunnelDst)
		t.Saddr = AddressFromIP(tunnelSrc)
		t.Family = FamilyOf(tunnelDst)
	}
	return t
}

// Marshal 序列化为 0x40 字节
func (t *UserTmpl) Marshal() []byte {
	b := make([]byte, SizeofUserTmpl)
	t.ID.marshal(b[0:])
	native.PutUint16(b[24:], t.Family)
	copy(b[28:44], t.Saddr[:])
	native.PutUint32(b[44:], t.Reqid)
	b[48] = t.Mode
	b[49] = t.Share
	b[50] = t.Optional
	native.PutUint32(b[52:], t.Aalgos)
	native.PutUint32(b[56:], t.Ealgos)
	native.PutUint32(b[60:], t.Calgos)
	return b
}

// ParseUserTmpl 解析 xfrm_user_tmpl
func ParseUserTmpl(b []byte) (UserTmpl, error) {
	var t UserTmpl
	if len(b) < SizeofUserTmpl {
		return t, fmt.Errorf("xfrm_user_tmpl 长度不足: %d", len(b))
	}
	t.ID.unmarshal(b[0:])
	t.Family = native.Uint16(b[24:])
	copy(t.Saddr[:], b[28:44])
	t.Reqid = native.Uint32(b[44:])
	t.Mode = b[48]
	t.Share = b[49]
	t.Optional = b[50]
	t.Aalgos = native.Uint32(b[52:])
	t.Ealgos = native.Uint32(b[56:])
	t.Calgos = native.Uint32(b[60:])
	return t, nil
}

// marshalUsersaFlush 序列化 struct xfrm_usersa_flush
func marshalUsersaFlush(proto uint8) []byte {
	b := make([]byte, SizeofUsersaFlush)
	b[0] = proto
	return b
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
