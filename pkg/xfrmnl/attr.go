package xfrmnl

import (
	"fmt"
)

// netlink 属性流 (TLV) 编解码。
// 每条属性: u16 长度(含 4 字节头) + u16 类型 + 载荷，整体 4 字节对齐。

const nlaHeaderLen = 4

func nlaAlign(n int) int {
	return (n + 3) &^ 3
}

// AttrBuilder 顺序拼接 netlink 属性流
type AttrBuilder struct {
	b []byte
}

// Append 追加一条属性
func (ab *AttrBuilder) Append(typ uint16, payload []byte) {
	total := nlaHeaderLen + len(payload)
	off := len(ab.b)
	ab.b = append(ab.b, make([]byte, nlaAlign(total))...)
	native.PutUint16(ab.b[off:], uint16(total))
	native.PutUint16(ab.b[off+2:], typ)
	copy(ab.b[off+4:], payload)
}

// AppendU32 追加 u32 属性（主机序，内核 XFRMA_OUTPUT_MARK 等的格式）
func (ab *AttrBuilder) AppendU32(typ uint16, v uint32) {
	p := make([]byte, 4)
	native.PutUint32(p, v)
	ab.Append(typ, p)
}

// Bytes 返回已编码的属性流
func (ab *AttrBuilder) Bytes() []byte {
	return ab.b
}

// Attr 一条已解码的属性
type Attr struct {
	Type uint16
	Data []byte
}

// ParseAttrs 解析属性流，保持出现顺序
func ParseAttrs(b []byte) ([]Attr, error) {
	var attrs []Attr
	for len(b) > 0 {
		if len(b) < nlaHeaderLen {
			return nil, fmt.Errorf("属性头截断: 剩余 %d 字节", len(b))
		}
		length := int(native.Uint16(b[0:]))
		typ := native.Uint16(b[2:])
		if length < nlaHeaderLen || length > len(b) {
			return nil, fmt.Errorf("属性长度非法: type=%d len=%d 剩余=%d", typ, length, len(b))
		}
		attrs = append(attrs, Attr{Type: typ, Data: append([]byte(nil), b[nlaHeaderLen:length]...)})
		b = b[min(nlaAlign(length), len(b)):]
	}
	return attrs, nil
}

// AttrMap 属性类型到载荷的映射（同类型后出现者覆盖）
type AttrMap map[uint16][]byte

// ToMap 将属性序列转为映射
func ToMap(attrs []Attr) AttrMap {
	m := make(AttrMap, len(attrs))
	for _, a := range attrs {
		m[a.Type] = a.Data
	}
	return m
}

// U32 读取 u32 属性
func (m AttrMap) U32(typ uint16) (uint32, bool) {
	b, ok := m[typ]
	if !ok || len(b) < 4 {
		return 0, false
	}
	return native.Uint32(b), true
}

// Mark 读取 XFRMA_MARK 属性
func (m AttrMap) Mark() (Mark, bool) {
	b, ok := m[XFRMA_MARK]
	if !ok {
		return Mark{}, false
	}
	mk, err := ParseMark(b)
	return mk, err == nil
}

// Tmpl 读取 XFRMA_TMPL 属性的第一个模板
func (m AttrMap) Tmpl() (UserTmpl, bool) {
	b, ok := m[XFRMA_TMPL]
	if !ok {
		return UserTmpl{}, false
	}
	t, err := ParseUserTmpl(b)
	return t, err == nil
}

// EncapTmpl 读取 XFRMA_ENCAP 属性
func (m AttrMap) EncapTmpl() (EncapTmpl, bool) {
	b, ok := m[XFRMA_ENCAP]
	if !ok {
		return EncapTmpl{}, false
	}
	e, err := ParseEncapTmpl(b)
	return e, err == nil
}
