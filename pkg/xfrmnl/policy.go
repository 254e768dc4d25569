package xfrmnl

import (
	"fmt"
)

// 策略由 (selector, direction, mark) 三元组唯一标识。
// NEWPOLICY 碰到已有三元组返回 EEXIST；UPDPOLICY 做 upsert。

// buildAddPolicy 组装 NEWPOLICY/UPDPOLICY 请求载荷
func buildAddPolicy(policy UserpolicyInfo, tmpl *UserTmpl, mark *Mark) []byte {
	var ab AttrBuilder
	if tmpl != nil {
		ab.Append(XFRMA_TMPL, tmpl.Marshal())
	}
	if mark != nil {
		ab.Append(XFRMA_MARK, mark.Marshal())
	}
	return append(policy.Marshal(), ab.Bytes()...)
}

// AddPolicy 创建或更新策略
func (c *Conn) AddPolicy(policy UserpolicyInfo, tmpl *UserTmpl, mark *Mark, isUpdate bool) error {
	msgType := uint16(XFRM_MSG_NEWPOLICY)
	if isUpdate {
		msgType = XFRM_MSG_UPDPOLICY
	}
	if err := c.ack(msgType, buildAddPolicy(policy, tmpl, mark), 0); err != nil {
		return fmt.Errorf("AddPolicy (dir=%d update=%v): %w", policy.Dir, isUpdate, err)
	}
	return nil
}

// UpdatePolicy 等价于 AddPolicy(..., isUpdate=true)
func (c *Conn) UpdatePolicy(policy UserpolicyInfo, tmpl *UserTmpl, mark *Mark) error {
	return c.AddPolicy(policy, tmpl, mark, true)
}

// buildDeletePolicy 组装 DELPOLICY 请求载荷
func buildDeletePolicy(sel Selector, dir uint8, mark *Mark) []byte {
	id := UserpolicyID{Sel: sel, Dir: dir}
	payload := id.Marshal()
	if mark != nil {
		var ab AttrBuilder
		ab.Append(XFRMA_MARK, mark.Marshal())
		payload = append(payload, ab.Bytes()...)
	}
	return payload
}

// DeletePolicy 删除一条策略；不存在时返回 ENOENT
func (c *Conn) DeletePolicy(sel Selector, dir uint8, mark *Mark) error {
	if err := c.ack(XFRM_MSG_DELPOLICY, buildDeletePolicy(sel, dir, mark), 0); err != nil {
		return fmt.Errorf("DeletePolicy (dir=%d): %w", dir, err)
	}
	return nil
}

// FlushPolicy 清空 SPD；对空表幂等
func (c *Conn) FlushPolicy() error {
	if err := c.ack(XFRM_MSG_FLUSHPOLICY, nil, 0); err != nil {
		return fmt.Errorf("FlushPolicy: %w", err)
	}
	return nil
}

// PolicyRecord 一条 dump 出的策略及其原始属性
type PolicyRecord struct {
	Info  UserpolicyInfo
	Attrs AttrMap
}

// DumpPolicy 列出 SPD 中的全部策略
func (c *Conn) DumpPolicy() ([]PolicyRecord, error) {
	raw, err := c.dump(XFRM_MSG_GETPOLICY, nil, XFRM_MSG_NEWPOLICY)
	if err != nil {
		return nil, fmt.Errorf("DumpPolicy: %w", err)
	}
	records := make([]PolicyRecord, 0, len(raw))
	for _, b := range raw {
		info, err := ParseUserpolicyInfo(b)
		if err != nil {
			return nil, fmt.Errorf("DumpPolicy: %w", err)
		}
		attrs, err := ParseAttrs(b[SizeofUserpolicyInfo:])
		if err != nil {
			return nil, fmt.Errorf("DumpPolicy 属性解析: %w", err)
		}
		records = append(records, PolicyRecord{Info: info, Attrs: ToMap(attrs)})
	}
	return records, nil
}
