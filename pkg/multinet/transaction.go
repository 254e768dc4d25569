package multinet

import "go.uber.org/multierr"

// NetTxn 带撤销栈的网络配置事务。
// 搭建失败或测试结束时 Rollback 按逆序撤销全部已生效的配置。
type NetTxn struct {
	net   *NetTools
	undos []func() error
}

func (n *NetTools) Begin() *NetTxn {
	return &NetTxn{net: n}
}

// Commit 放弃撤销栈，配置移交调用方长期持有，之后 Rollback 为空操作
func (tx *NetTxn) Commit() {
	tx.undos = nil
}

func (tx *NetTxn) Rollback() error {
	var err error
	for i := len(tx.undos) - 1; i >= 0; i-- {
		err = multierr.Append(err, tx.undos[i]())
	}
	tx.undos = nil
	return err
}

func (tx *NetTxn) SetLinkUp(iface string) error {
	if err := tx.net.SetLinkUp(iface); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.net.SetLinkDown(iface)
	})
	return nil
}

func (tx *NetTxn) AddAddress(iface string, cidr string) error {
	if err := tx.net.AddAddress(iface, cidr); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.net.DelAddress(iface, cidr)
	})
	return nil
}

func (tx *NetTxn) AddTableRoute(family int, iface string, table int) error {
	if err := tx.net.AddTableRoute(family, iface, table); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.net.DelTableRoute(family, iface, table)
	})
	return nil
}

func (tx *NetTxn) AddMarkRule(family int, mark uint32, table, prio int) error {
	if err := tx.net.AddMarkRule(family, mark, table, prio); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.net.DelMarkRule(family, mark, table, prio)
	})
	return nil
}

func (tx *NetTxn) AddOifRule(family int, iface string, table, prio int) error {
	if err := tx.net.AddOifRule(family, iface, table, prio); err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		return tx.net.DelOifRule(family, iface, table, prio)
	})
	return nil
}

func (tx *NetTxn) SetSysctl(name, value string) error {
	old, err := tx.net.SetSysctl(name, value)
	if err != nil {
		return err
	}
	tx.undos = append(tx.undos, func() error {
		_, err := tx.net.SetSysctl(name, old)
		return err
	})
	return nil
}
