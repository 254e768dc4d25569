package multinet

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// Sandbox 表示一个网络命名空间，把测试对 SAD/SPD/路由表的改动
// 与宿主隔离开。需要 CAP_SYS_ADMIN 权限。
type Sandbox struct {
	name   string
	handle netns.NsHandle // 新命名空间句柄
	origin netns.NsHandle // 原始命名空间句柄，用于恢复
}

// NewSandbox 创建并进入一个具名网络命名空间
func NewSandbox(name string) (*Sandbox, error) {
	runtime.LockOSThread()

	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("获取原始 netns 失败: %v", err)
	}

	handle, err := netns.NewNamed(name)
	if err != nil {
		origin.Close()
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("创建 netns %s 失败: %v", name, err)
	}

	return &Sandbox{
		name:   name,
		handle: handle,
		origin: origin,
	}, nil
}

// Close 恢复原始命名空间并删除沙箱
func (s *Sandbox) Close() error {
	var restoreErr error
	if s.origin.IsOpen() {
		restoreErr = netns.Set(s.origin)
		s.origin.Close()
	}
	runtime.UnlockOSThread()

	if s.handle.IsOpen() {
		s.handle.Close()
	}
	if err := netns.DeleteNamed(s.name); err != nil {
		return fmt.Errorf("删除 netns %s 失败: %v", s.name, err)
	}
	if restoreErr != nil {
		return fmt.Errorf("恢复原始 netns 失败: %v", restoreErr)
	}
	return nil
}
