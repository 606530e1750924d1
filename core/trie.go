package core

import (
	"slices"
	"sort"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// MatcherID 匹配器标识, 按注册顺序单调递增
type MatcherID uint64

// NormalizeToken 命令词归一化: 全角转半角 + Unicode 大小写折叠
func NormalizeToken(tok string) string {
	return cases.Fold().String(width.Narrow.String(tok))
}

func normalizeTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		out = append(out, NormalizeToken(tok))
	}
	return out
}

// CommandTrie 命令前缀树 (路径压缩), 命令词序列 -> 匹配器集合.
// 查找代价与命令词数量成正比, 与匹配器数量无关. 零值可用.
type CommandTrie struct {
	mu   sync.RWMutex
	root *trieNode
}

// trieNode 边上保存一段命令词, 非根节点要么有匹配器, 要么至少两个子节点
type trieNode struct {
	edge     []string
	children map[string]*trieNode // 以子节点边的首个命令词为键
	ids      map[MatcherID]struct{}
}

func newTrieNode(edge []string) *trieNode {
	return &trieNode{
		edge:     edge,
		children: make(map[string]*trieNode),
		ids:      make(map[MatcherID]struct{}),
	}
}

func NewCommandTrie() *CommandTrie {
	return &CommandTrie{root: newTrieNode(nil)}
}

func commonPrefixLen(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func sortedIDs(set map[MatcherID]struct{}) []MatcherID {
	ids := make([]MatcherID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Insert 插入命令路径; 重复的 (路径, 匹配器) 返回 false
func (t *CommandTrie) Insert(tokens []string, id MatcherID) bool {
	rest := normalizeTokens(tokens)
	if len(rest) == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		t.root = newTrieNode(nil)
	}

	node := t.root
	for {
		if len(rest) == 0 {
			if _, exists := node.ids[id]; exists {
				return false
			}
			node.ids[id] = struct{}{}
			return true
		}

		child := node.children[rest[0]]
		if child == nil {
			leaf := newTrieNode(slices.Clone(rest))
			leaf.ids[id] = struct{}{}
			node.children[rest[0]] = leaf
			return true
		}

		common := commonPrefixLen(child.edge, rest)
		if common < len(child.edge) {
			// 拆分边
			mid := newTrieNode(slices.Clone(child.edge[:common]))
			child.edge = slices.Clone(child.edge[common:])
			mid.children[child.edge[0]] = child
			node.children[rest[0]] = mid
			child = mid
		}
		node = child
		rest = rest[common:]
	}
}

// Remove 删除命令路径上的匹配器, 不存在时为空操作 (返回 false)
func (t *CommandTrie) Remove(tokens []string, id MatcherID) bool {
	rest := normalizeTokens(tokens)
	if len(rest) == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		return false
	}

	parent, node := t.findExact(rest)
	if node == nil {
		return false
	}
	if _, exists := node.ids[id]; !exists {
		return false
	}
	delete(node.ids, id)

	if len(node.ids) == 0 {
		switch len(node.children) {
		case 0:
			delete(parent.children, node.edge[0])
			t.merge(parent)
		case 1:
			t.merge(node)
		}
	}
	return true
}

// merge 将无匹配器且只有一个子节点的非根节点与子节点合并
func (t *CommandTrie) merge(n *trieNode) {
	if n == t.root || len(n.ids) > 0 || len(n.children) != 1 {
		return
	}
	for _, child := range n.children {
		n.edge = append(slices.Clone(n.edge), child.edge...)
		n.children = child.children
		n.ids = child.ids
	}
}

// findExact 查找恰好以 tokens 结尾的节点, 同时返回父节点
func (t *CommandTrie) findExact(rest []string) (parent, node *trieNode) {
	node = t.root
	for len(rest) > 0 {
		child := node.children[rest[0]]
		if child == nil || len(child.edge) > len(rest) || commonPrefixLen(child.edge, rest) != len(child.edge) {
			return nil, nil
		}
		parent, node = node, child
		rest = rest[len(child.edge):]
	}
	return parent, node
}

// Lookup 精确查找
func (t *CommandTrie) Lookup(tokens []string) []MatcherID {
	rest := normalizeTokens(tokens)
	if len(rest) == 0 {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.root == nil {
		return nil
	}
	_, node := t.findExact(rest)
	if node == nil {
		return nil
	}
	return sortedIDs(node.ids)
}

// walkPrefixes 依次访问路径为 tokens 前缀的节点, depth 为已消费的命令词数
func (t *CommandTrie) walkPrefixes(rest []string, fn func(depth int, n *trieNode)) {
	node := t.root
	depth := 0
	for len(rest) > 0 {
		child := node.children[rest[0]]
		if child == nil || len(child.edge) > len(rest) || commonPrefixLen(child.edge, rest) != len(child.edge) {
			return
		}
		node = child
		depth += len(child.edge)
		rest = rest[len(child.edge):]
		fn(depth, node)
	}
}

// LookupPrefix 返回路径为 tokens 前缀的所有匹配器
func (t *CommandTrie) LookupPrefix(tokens []string) []MatcherID {
	rest := normalizeTokens(tokens)
	if len(rest) == 0 {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.root == nil {
		return nil
	}

	set := make(map[MatcherID]struct{})
	t.walkPrefixes(rest, func(_ int, n *trieNode) {
		for id := range n.ids {
			set[id] = struct{}{}
		}
	})
	if len(set) == 0 {
		return nil
	}
	return sortedIDs(set)
}

// LongestPrefix 最长前缀匹配, 返回匹配的命令词数与匹配器. tokens 不应含空串.
func (t *CommandTrie) LongestPrefix(tokens []string) (int, []MatcherID) {
	rest := normalizeTokens(tokens)
	if len(rest) == 0 {
		return 0, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.root == nil {
		return 0, nil
	}

	var (
		bestDepth int
		best      *trieNode
	)
	t.walkPrefixes(rest, func(depth int, n *trieNode) {
		if len(n.ids) > 0 {
			bestDepth, best = depth, n
		}
	})
	if best == nil {
		return 0, nil
	}
	return bestDepth, sortedIDs(best.ids)
}

// CommandPath 命令路径及其匹配器
type CommandPath struct {
	Tokens   []string
	Matchers []MatcherID
}

// Paths 返回所有命令路径 (按字典序)
func (t *CommandTrie) Paths() []CommandPath {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var paths []CommandPath
	if t.root == nil {
		return paths
	}
	t.collect(t.root, nil, &paths)
	sort.Slice(paths, func(i, j int) bool {
		return slices.Compare(paths[i].Tokens, paths[j].Tokens) < 0
	})
	return paths
}

func (t *CommandTrie) collect(n *trieNode, prefix []string, paths *[]CommandPath) {
	path := append(slices.Clone(prefix), n.edge...)
	if len(n.ids) > 0 {
		*paths = append(*paths, CommandPath{Tokens: path, Matchers: sortedIDs(n.ids)})
	}
	for _, child := range n.children {
		t.collect(child, path, paths)
	}
}

// Size 返回 (路径, 匹配器) 条目数
func (t *CommandTrie) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	t.count(t.root, func(n *trieNode) { count += len(n.ids) })
	return count
}

// NodeCount 返回节点数 (含根), 用于检查路径压缩
func (t *CommandTrie) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	t.count(t.root, func(*trieNode) { count++ })
	return count
}

func (t *CommandTrie) count(n *trieNode, fn func(*trieNode)) {
	if n == nil {
		return
	}
	fn(n)
	for _, child := range n.children {
		t.count(child, fn)
	}
}

// Verify 检查结构不变量, 破坏时返回 ErrCorruptedIndex
func (t *CommandTrie) Verify() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.root == nil {
		return nil
	}
	return t.verify(t.root)
}

func (t *CommandTrie) verify(n *trieNode) error {
	if n != t.root {
		if len(n.edge) == 0 {
			return wrap(ErrCorruptedIndex, "CommandTrie", "Verify", "empty edge")
		}
		if len(n.ids) == 0 && len(n.children) < 2 {
			return wrap(ErrCorruptedIndex, "CommandTrie", "Verify", "uncompressed node")
		}
	}
	for key, child := range n.children {
		if len(child.edge) == 0 || child.edge[0] != key {
			return wrap(ErrCorruptedIndex, "CommandTrie", "Verify", "edge key mismatch")
		}
		if err := t.verify(child); err != nil {
			return err
		}
	}
	return nil
}
