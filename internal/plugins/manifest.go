package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest — YAML-описание команды: имя, алиасы, права и встроенный вид обработчика.
//
//	name: ping
//	aliases: [p]
//	kind: ping
//	requires_elevated: false
type Manifest struct {
	Name             string   `yaml:"name"`
	Aliases          []string `yaml:"aliases"`
	RequiresElevated bool     `yaml:"requires_elevated"`
	Kind             string   `yaml:"kind"`
	Description      string   `yaml:"description"`
	Text             string   `yaml:"text"` // для kind: text

	File string `yaml:"-"`
}

// ParseManifests разбирает один файл; файл может содержать несколько YAML-документов.
func ParseManifests(data []byte) ([]Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []Manifest
	for {
		var m Manifest
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		m.Name = strings.TrimSpace(m.Name)
		m.Kind = strings.TrimSpace(m.Kind)
		if m.Name == "" && m.Kind == "" {
			continue // пустой документ
		}
		if m.Name == "" {
			return nil, fmt.Errorf("parse manifest: kind %q without name", m.Kind)
		}
		if m.Kind == "" {
			m.Kind = strings.ToLower(m.Name)
		}
		out = append(out, m)
	}
	return out, nil
}

// DiscoverManifests читает все *.yaml / *.yml из dir в лексикографическом порядке.
// Отсутствующий каталог — не ошибка: возвращается пустой список.
func DiscoverManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)

	var out []Manifest
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", file, err)
		}
		manifests, err := ParseManifests(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		for i := range manifests {
			manifests[i].File = file
		}
		out = append(out, manifests...)
	}
	return out, nil
}

func isManifestFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// DefaultManifests — набор команд, если каталог плагинов пуст.
func DefaultManifests() []Manifest {
	return []Manifest{
		{Name: "ping", Aliases: []string{"p"}, Kind: KindPing, Description: "Liveness check"},
		{Name: "alive", Kind: KindAlive, Description: "Gateway status"},
		{Name: "echo", Kind: KindEcho, Description: "Repeat arguments"},
		{Name: "groupinfo", Aliases: []string{"gi"}, Kind: KindGroupInfo, Description: "Group summary"},
		{Name: "admins", Kind: KindAdmins, Description: "List group admins"},
		{Name: "reload", RequiresElevated: true, Kind: KindReload, Description: "Reload commands"},
		{Name: "invalidate", RequiresElevated: true, Kind: KindInvalidate, Description: "Drop cached group metadata"},
		{Name: "antilink", RequiresElevated: true, Kind: KindAntiLink, Description: "Toggle link moderation in this group"},
	}
}
