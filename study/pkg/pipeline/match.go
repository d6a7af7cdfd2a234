package pipeline

import (
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/rows"
)

// matcher resolves input column names against a target schema by name,
// property URI, label and then import alias. Earlier columns win ties, so the
// standard columns take precedence over dataset properties.
type matcher struct {
	byName  map[string]int
	byURI   map[string]int
	byLabel map[string]int
	byAlias map[string]int
}

func newMatcher(cols []model.Column, useAliases bool) *matcher {
	m := &matcher{
		byName:  map[string]int{},
		byURI:   map[string]int{},
		byLabel: map[string]int{},
		byAlias: map[string]int{},
	}
	put := func(idx map[string]int, key string, i int) {
		if key == "" {
			return
		}
		key = model.FoldName(key)
		if _, ok := idx[key]; !ok {
			idx[key] = i
		}
	}
	for i, c := range cols {
		put(m.byName, c.Name, i)
		put(m.byURI, c.PropertyURI, i)
		put(m.byLabel, c.Label, i)
		if c.Standard || useAliases {
			for _, a := range c.ImportAliases {
				put(m.byAlias, a, i)
			}
		}
	}
	return m
}

func (m *matcher) match(c rows.Column) int {
	name := model.FoldName(c.Name)
	if i, ok := m.byName[name]; ok {
		return i
	}
	uri := name
	if c.PropertyURI != "" {
		uri = model.FoldName(c.PropertyURI)
	}
	if i, ok := m.byURI[uri]; ok {
		return i
	}
	if i, ok := m.byLabel[name]; ok {
		return i
	}
	if i, ok := m.byAlias[name]; ok {
		return i
	}
	return -1
}
