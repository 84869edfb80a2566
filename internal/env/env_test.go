package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge_NoOverrides(t *testing.T) {
	assert.Nil(t, Merge([]string{"A=1"}, nil))
}

func TestMerge_OverlayAndOrder(t *testing.T) {
	got := Merge([]string{"A=1", "B=2"}, []string{"B=3", "C=4", "bad", "=x"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, got)
}

func TestMerge_Expansion(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/render"}
	got := Merge(base, []string{
		"PATH=${PATH}:/opt/ae/bin",
		"CACHE=${HOME}/.cache/ae",
		"LOG=${CACHE}/log",
		"RAW=$HOME",
		"MISSING=${NOPE}",
	})
	assert.Equal(t, []string{
		"PATH=/usr/bin:/opt/ae/bin",
		"HOME=/home/render",
		"CACHE=/home/render/.cache/ae",
		"LOG=/home/render/.cache/ae/log",
		"RAW=$HOME",
		"MISSING=${NOPE}",
	}, got)
}

func TestExpand(t *testing.T) {
	vars := map[string]string{"A": "x", "B": "y"}
	cases := map[string]string{
		"":              "",
		"plain":         "plain",
		"${A}${B}":      "xy",
		"pre-${A}-post": "pre-x-post",
		"${":            "${",
		"${A":           "${A",
		"${}":           "${}",
		`C:\${A}\bin`:   `C:\x\bin`,
	}
	for in, want := range cases {
		assert.Equal(t, want, Expand(in, vars), in)
	}
}
