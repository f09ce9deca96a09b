// Package fptree
//
// (C) Copyright FernKV
//
// Original Author: Alex Gaetano Padula
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package fptree

import (
	"bytes"
	"sort"
)

// inner is a volatile index node. Inner nodes are immutable once published;
// structural changes build new nodes along the changed path and swap the
// root, so descending readers never see a node in a half updated state.
// children[i] covers keys below keys[i], children[len(keys)] the rest.
type inner struct {
	keys     [][]byte
	children []node
}

func (in *inner) fptreeNode() {}

// childIndex returns the index of the child whose range covers key.
func (in *inner) childIndex(key []byte) int {
	return sort.Search(len(in.keys), func(i int) bool {
		return bytes.Compare(key, in.keys[i]) < 0
	})
}

// withChild returns a copy of the node with the child at idx replaced.
func (in *inner) withChild(idx int, child node) *inner {
	cs := append([]node(nil), in.children...)
	cs[idx] = child
	return &inner{keys: in.keys, children: cs}
}

// splitUp carries a separator produced by a node split one level up.
type splitUp struct {
	sep   []byte
	right node
}

// withSeparator returns a copy of the node with sep and its right child
// inserted at idx. child, when non nil, replaces the existing child at idx
// first. If the copy would exceed fanout separators it is split and the
// middle separator handed up.
func (in *inner) withSeparator(idx int, child node, sep []byte, right node, fanout int) (*inner, *splitUp) {
	ks := make([][]byte, 0, len(in.keys)+1)
	ks = append(ks, in.keys[:idx]...)
	ks = append(ks, sep)
	ks = append(ks, in.keys[idx:]...)

	c0 := in.children[idx]
	if child != nil {
		c0 = child
	}
	cs := make([]node, 0, len(in.children)+1)
	cs = append(cs, in.children[:idx]...)
	cs = append(cs, c0, right)
	cs = append(cs, in.children[idx+1:]...)

	if len(ks) <= fanout {
		return &inner{keys: ks, children: cs}, nil
	}

	// Both halves share the freshly built backing arrays, which is fine
	// since neither node is ever mutated again.
	mid := len(ks) / 2
	left := &inner{keys: ks[:mid], children: cs[:mid+1]}
	rightNode := &inner{keys: ks[mid+1:], children: cs[mid+1:]}
	return left, &splitUp{sep: ks[mid], right: rightNode}
}
