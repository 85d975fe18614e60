//go:build windows

package reload

func (n *Notifier) subscribe() {}
