// Package web 内嵌页面模板和静态资源
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates/*.html
var templates embed.FS

//go:embed static
var static embed.FS

// Templates 返回模板文件系统
func Templates() fs.FS {
	return templates
}

// Static 返回以 static 目录为根的文件系统
func Static() fs.FS {
	sub, err := fs.Sub(static, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
