package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
)

// Definition 是定义文件中的一个智能体条目。
// 代码可以内联在 code 中，也可以通过 code_file 指向相对定义文件的路径。
type Definition struct {
	agent.Config `yaml:",inline"`
	Code         string `yaml:"code"`
	CodeFile     string `yaml:"code_file"`
}

// File 是智能体定义文件的结构。
type File struct {
	Name   string       `yaml:"name"`
	Agents []Definition `yaml:"agents"`
}

// ReadFile 解析定义文件并把 code_file 读入 Code，项目名缺省为所在目录名。
func ReadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取智能体定义失败")
	}
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return File{}, xerrors.Wrap(CodeValidationFailed, err, "解析智能体定义失败")
	}
	if file.Name == "" {
		file.Name = filepath.Base(filepath.Dir(path))
	}
	base := filepath.Dir(path)
	for i := range file.Agents {
		def := &file.Agents[i]
		if def.Code != "" || def.CodeFile == "" {
			continue
		}
		codePath := def.CodeFile
		if !filepath.IsAbs(codePath) {
			codePath = filepath.Join(base, codePath)
		}
		data, err := os.ReadFile(codePath)
		if err != nil {
			return File{}, xerrors.Wrap(CodeValidationFailed, err, fmt.Sprintf("读取第 %d 个智能体的代码失败", i+1))
		}
		def.Code = string(data)
	}
	return file, nil
}

// Load 读取 YAML 定义文件并构造项目。
func Load(path string, opts ...Option) (*Project, error) {
	file, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := New(file.Name, opts...)
	for i, def := range file.Agents {
		if _, err := p.Add(def.Config, def.Code); err != nil {
			return nil, fmt.Errorf("agents[%d]: %w", i, err)
		}
	}
	return p, nil
}
