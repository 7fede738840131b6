package indexer

import (
	"sort"
	"strconv"
	"strings"
)

// StructurePath is the reserved path of the directory-structure record.
const StructurePath = "__project_structure__"

// structureMaxDepth bounds the rendered tree depth.
const structureMaxDepth = 4

// structureMaxEntries bounds entries rendered per directory.
const structureMaxEntries = 30

// renderStructure builds a depth-limited tree rendering from the relative
// paths of indexed files. The output is embedded as a project-structure
// record so reviews can reason about layout.
func renderStructure(relPaths []string) string {
	root := newStructureNode()
	for _, p := range relPaths {
		parts := strings.Split(strings.Trim(p, "/"), "/")
		node := root
		for depth, part := range parts {
			if part == "" || depth >= structureMaxDepth {
				break
			}
			isFile := depth == len(parts)-1
			if isFile {
				node.files = append(node.files, part)
				break
			}
			child, ok := node.dirs[part]
			if !ok {
				child = newStructureNode()
				node.dirs[part] = child
			}
			node = child
		}
	}

	var b strings.Builder
	b.WriteString(".\n")
	root.render(&b, "")
	return b.String()
}

type structureNode struct {
	dirs  map[string]*structureNode
	files []string
}

func newStructureNode() *structureNode {
	return &structureNode{dirs: make(map[string]*structureNode)}
}

func (n *structureNode) render(b *strings.Builder, indent string) {
	dirNames := make([]string, 0, len(n.dirs))
	for name := range n.dirs {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)
	sort.Strings(n.files)

	entries := len(dirNames) + len(n.files)
	written := 0
	for _, name := range dirNames {
		if written >= structureMaxEntries {
			break
		}
		b.WriteString(indent + name + "/\n")
		n.dirs[name].render(b, indent+"  ")
		written++
	}
	for _, name := range n.files {
		if written >= structureMaxEntries {
			break
		}
		b.WriteString(indent + name + "\n")
		written++
	}
	if remaining := entries - written; remaining > 0 {
		b.WriteString(indent + "... (" + strconv.Itoa(remaining) + " more)\n")
	}
}
