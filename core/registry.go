package core

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// Registry 匹配器注册表与命令树. 注册/移除与查找互斥 (读写锁).
type Registry struct {
	logger *slog.Logger

	nextID   MatcherID
	matchers map[MatcherID]*Matcher
	general  []*Matcher          // 非命令匹配器, 按 (优先级, ID) 有序
	commands map[string]*Command // 顶层命令 (含别名)
	trie     *CommandTrie
	mu       sync.RWMutex

	onSizeChange func(n int)
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		matchers: make(map[MatcherID]*Matcher),
		commands: make(map[string]*Command),
		trie:     NewCommandTrie(),
	}
}

func lessMatcher(a, b *Matcher) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() < b.Priority()
	}
	return a.ID() < b.ID()
}

// Register 注册匹配器, 每条命令路径 (别名) 都插入命令树
func (r *Registry) Register(m *Matcher) (MatcherID, error) {
	if m == nil {
		return 0, wrap(ErrInvalidMatcher, "Registry", "Register", "nil matcher")
	}
	if !m.transition(MatcherRegistered, MatcherActive) {
		return 0, wrap(ErrInvalidMatcher, "Registry", "Register", "matcher already registered")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	m.id = r.nextID
	r.matchers[m.id] = m

	if m.IsCommand() {
		for _, path := range m.Commands() {
			r.trie.Insert(path, m.id)
		}
	} else {
		idx := sort.Search(len(r.general), func(i int) bool { return lessMatcher(m, r.general[i]) })
		r.general = slices.Insert(r.general, idx, m)
	}

	r.logger.Debug("[registry] matcher registered",
		"matcher", m.Name(),
		"id", m.id,
		"plugin", m.Plugin(),
		"priority", m.Priority(),
		"block", m.Block(),
		"temp", m.Temp(),
		"commands", m.Commands(),
	)
	r.sizeChangedLocked()
	return m.id, nil
}

// Unregister 移除匹配器及其所有命令路径, 可重复调用
func (r *Registry) Unregister(id MatcherID) bool {
	return r.remove(id, MatcherRemoved)
}

func (r *Registry) remove(id MatcherID, to MatcherState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.matchers[id]
	if !ok {
		return false
	}
	m.retire(to)
	delete(r.matchers, id)

	if m.IsCommand() {
		for _, path := range m.Commands() {
			r.trie.Remove(path, id)
		}
	} else {
		r.general = slices.DeleteFunc(r.general, func(g *Matcher) bool { return g.ID() == id })
	}

	r.logger.Debug("[registry] matcher removed", "matcher", m.Name(), "id", id, "state", m.State().String())
	r.sizeChangedLocked()
	return true
}

func (r *Registry) sizeChangedLocked() {
	if r.onSizeChange != nil {
		r.onSizeChange(len(r.matchers))
	}
}

func (r *Registry) Get(id MatcherID) (*Matcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matchers[id]
	return m, ok
}

// Matchers 所有活跃匹配器, 按 (优先级, ID) 排序
func (r *Registry) Matchers() []*Matcher {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Matcher, 0, len(r.matchers))
	for _, m := range r.matchers {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return lessMatcher(all[i], all[j]) })
	return all
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matchers)
}

// Trie 命令树 (只读使用)
func (r *Registry) Trie() *CommandTrie {
	return r.trie
}

// candidate 候选匹配器; viaTrie 表示由命令树命中
type candidate struct {
	matcher *Matcher
	viaTrie bool
}

// resolve 解析命令并收集候选: 命令树最长前缀命中 ∪ 所有非命令匹配器.
// 过期的匹配器不参与候选, 由调用方移除.
func (r *Registry) resolve(tokens []string, evType EventType, now time.Time) (int, []candidate, []*Matcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		depth   int
		ids     []MatcherID
		cands   []candidate
		expired []*Matcher
	)
	if len(tokens) > 0 {
		depth, ids = r.trie.LongestPrefix(tokens)
	}

	accept := func(m *Matcher, viaTrie bool) {
		if !m.IsActive() {
			return
		}
		if m.Expired(now) {
			expired = append(expired, m)
			return
		}
		if t := m.cfg.Type; t != "" && t != evType {
			return
		}
		cands = append(cands, candidate{matcher: m, viaTrie: viaTrie})
	}

	for _, id := range ids {
		m, ok := r.matchers[id]
		if !ok {
			return 0, nil, nil, wrap(ErrCorruptedIndex, "Registry", "resolve", "dangling trie entry")
		}
		accept(m, true)
	}
	for _, m := range r.general {
		accept(m, false)
	}

	sort.SliceStable(cands, func(i, j int) bool { return lessMatcher(cands[i].matcher, cands[j].matcher) })
	return depth, cands, expired, nil
}

// Expire 移除所有已到期的匹配器, 返回数量
func (r *Registry) Expire(now time.Time) int {
	var expired []MatcherID
	r.mu.RLock()
	for id, m := range r.matchers {
		if m.Expired(now) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range expired {
		if r.remove(id, MatcherExpired) {
			n++
		}
	}
	return n
}

// Run 定期移除到期的匹配器, 直到 ctx 取消
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Expire(now); n > 0 {
				r.logger.Debug("[registry] expired matchers removed", "count", n)
			}
		}
	}
}

// Verify 检查命令树与注册表一致
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.trie.Verify(); err != nil {
		return err
	}
	for _, p := range r.trie.Paths() {
		for _, id := range p.Matchers {
			if _, ok := r.matchers[id]; !ok {
				return wrap(ErrCorruptedIndex, "Registry", "Verify", "dangling trie entry")
			}
		}
	}
	for id, m := range r.matchers {
		for _, path := range m.Commands() {
			if !slices.Contains(r.trie.Lookup(path), id) {
				return wrap(ErrCorruptedIndex, "Registry", "Verify", "missing trie entry")
			}
		}
	}
	return nil
}

// RegisterCommand 注册命令树: 每个带处理函数的命令节点生成一个匹配器 (自动处理别名)
func (r *Registry) RegisterCommand(cmd *Command, opts []MatcherOption, mws ...Middleware) ([]*Matcher, error) {
	r.mu.Lock()
	// 防止重复注册
	name := NormalizeToken(cmd.Name)
	if _, exists := r.commands[name]; exists {
		r.mu.Unlock()
		return nil, nil
	}
	r.commands[name] = cmd
	for _, alias := range cmd.Aliases {
		r.commands[NormalizeToken(alias)] = cmd
	}
	r.mu.Unlock()

	// 为命令添加完整路径
	cmd.SetFullPath()

	var (
		registered []*Matcher
		walk       func(c *Command) error
	)
	walk = func(c *Command) error {
		if c.Handler != nil {
			m, err := NewMatcher(c.FullPath(), Chain(c.Handler, mws...),
				append(slices.Clone(opts), WithCommands(c.Paths()...))...)
			if err != nil {
				return err
			}
			if _, err := r.Register(m); err != nil {
				return err
			}
			registered = append(registered, m)
		}
		for _, sub := range c.Commands() {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(cmd); err != nil {
		for _, m := range registered {
			r.Unregister(m.ID())
		}
		r.mu.Lock()
		delete(r.commands, name)
		for _, alias := range cmd.Aliases {
			delete(r.commands, NormalizeToken(alias))
		}
		r.mu.Unlock()
		return nil, err
	}

	r.logger.Debug("[registry] command registered",
		"command", cmd.Name,
		"aliases", cmd.Aliases,
		"description", cmd.Description,
		"full_path", cmd.FullPath(),
		"sub_commands", len(cmd.Commands()),
		"mws_amount", len(mws),
	)
	return registered, nil
}

// FindCommand 查找命令 (帮助等场景)
func (r *Registry) FindCommand(args []string) (*Command, []string) {
	if len(args) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	cmd, exists := r.commands[NormalizeToken(args[0])]
	r.mu.RUnlock()
	if !exists {
		return nil, args
	}
	return cmd.Find(args[1:])
}

// Commands 顶层命令 (去重, 按名称排序)
func (r *Registry) Commands() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Command]struct{})
	cmds := make([]*Command, 0, len(r.commands))
	for _, c := range r.commands {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		cmds = append(cmds, c)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}
