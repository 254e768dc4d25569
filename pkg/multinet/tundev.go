package multinet

import (
	"fmt"

	"github.com/songgao/water"

	"github.com/iniwex5/xfrmkit/pkg/logger"
)

// TunDevice 一个测试网络的虚拟出入口，水面之下是 water 的 TUN 接口。
// 读出的是该网络的出向包，写入则模拟远端来包。
type TunDevice struct {
	iface *water.Interface
	Name  string
}

// NewTunDevice 创建 TUN 设备。上次异常退出残留的同名设备先行清除，
// 否则会拿到一个带旧地址和旧规则的接口。
func NewTunDevice(name string) (*TunDevice, error) {
	if name != "" {
		if err := NewNetTools().DeleteLink(name); err == nil {
			logger.Debug("清除残留 TUN 设备", logger.String("dev", name))
		}
	}

	config := water.Config{
		DeviceType: water.TUN,
	}
	config.Name = name

	iface, err := water.New(config)
	if err != nil {
		return nil, fmt.Errorf("创建 TUN 设备失败: %v", err)
	}
	return &TunDevice{iface: iface, Name: iface.Name()}, nil
}

// Read 取出该网络上的下一个出向 IP 包
func (t *TunDevice) Read(p []byte) (n int, err error) {
	return t.iface.Read(p)
}

// Write 向该网络注入一个来自远端的 IP 包
func (t *TunDevice) Write(p []byte) (n int, err error) {
	return t.iface.Write(p)
}

// Close 关闭设备；非持久 TUN 随 fd 关闭从系统中消失
func (t *TunDevice) Close() error {
	return t.iface.Close()
}
