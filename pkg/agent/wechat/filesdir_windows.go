// Copyright 2024-2026 Aiku AI

//go:build windows

package wechat

import "golang.org/x/sys/windows/registry"

// configuredSaveDir reads the FileSavePath WeChat stores in the registry.
// "MyDocument:" means the default location.
func configuredSaveDir() (string, bool) {
	k, err := registry.OpenKey(registry.CURRENT_USER, `SOFTWARE\Tencent\WeChat`, registry.QUERY_VALUE)
	if err != nil {
		return "", false
	}
	defer k.Close()
	dir, _, err := k.GetStringValue("FileSavePath")
	if err != nil || dir == "" || dir == "MyDocument:" {
		return "", false
	}
	return dir, true
}
