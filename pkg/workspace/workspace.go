// Package workspace holds the client-resident file tree for a room,
// together with the open-file tabs and the active file. Nodes live in a
// flat arena keyed by id so lookups and structural edits never walk the
// tree; the nested models.WorkspaceItem shape only exists at the wire.
//
// The workspace is not safe for concurrent use. Callers serialize
// access (the sync client wraps it in a mutex).
package workspace

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/auraticabhi/PairFusion/pkg/models"
)

var (
	ErrNotFound      = errors.New("workspace: node not found")
	ErrNotADirectory = errors.New("workspace: not a directory")
	ErrNotAFile      = errors.New("workspace: not a file")
	ErrNameConflict  = errors.New("workspace: name already exists")
	ErrRootDeletion  = errors.New("workspace: cannot delete root")
	ErrInvalidName   = errors.New("workspace: invalid name")
)

const starterCode = "function sayHi() {\n  console.log(\"\U0001F44B Hello world\");\n}\n\nsayHi()"

type node struct {
	id       string
	name     string
	kind     models.ItemKind
	content  string
	expanded bool
	parent   string
	children []string
}

// Workspace is one member's view of the shared tree.
type Workspace struct {
	nodes  map[string]*node
	rootID string
	open   []string
	active string
}

// New returns a workspace seeded with the default starter project: a
// root directory holding a single index.js, open and active.
func New() *Workspace {
	w := &Workspace{nodes: make(map[string]*node)}
	root := &node{id: models.NewID(), name: "root", kind: models.ItemDirectory, expanded: true}
	w.nodes[root.id] = root
	w.rootID = root.id

	index := &node{
		id:      models.NewID(),
		name:    "index.js",
		kind:    models.ItemFile,
		content: starterCode,
		parent:  root.id,
	}
	w.nodes[index.id] = index
	root.children = append(root.children, index.id)

	w.open = []string{index.id}
	w.active = index.id
	return w
}

// RootID returns the id of the root directory.
func (w *Workspace) RootID() string { return w.rootID }

// resolveDir maps an id to a directory node, falling back to the root
// for the empty id.
func (w *Workspace) resolveDir(id string) (*node, error) {
	if id == "" {
		id = w.rootID
	}
	n, ok := w.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n.kind != models.ItemDirectory {
		return nil, ErrNotADirectory
	}
	return n, nil
}

func (w *Workspace) siblingExists(parent *node, name string, kind models.ItemKind, exceptID string) bool {
	for _, cid := range parent.children {
		c := w.nodes[cid]
		if c == nil || c.id == exceptID {
			continue
		}
		if c.name == name && (kind == "" || c.kind == kind) {
			return true
		}
	}
	return false
}

// uniqueFileName resolves a name collision by appending (1), (2), … to
// the base name while keeping the extension, so "a.txt" becomes
// "a(1).txt". Any sibling of either kind counts as a collision.
func (w *Workspace) uniqueFileName(parent *node, name string) string {
	if !w.siblingExists(parent, name, "", "") {
		return name
	}
	base, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i:]
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, n, ext)
		if !w.siblingExists(parent, candidate, "", "") {
			return candidate
		}
	}
}

// CreateFile inserts a new empty file under parentDirID (root when
// empty), resolving name collisions with a numeric suffix. The file is
// opened and made active. The returned item is what should be
// broadcast so every member inserts the same node.
func (w *Workspace) CreateFile(parentDirID, name string) (*models.WorkspaceItem, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	parent, err := w.resolveDir(parentDirID)
	if err != nil {
		return nil, err
	}
	f := &node{
		id:     models.NewID(),
		name:   w.uniqueFileName(parent, name),
		kind:   models.ItemFile,
		parent: parent.id,
	}
	w.nodes[f.id] = f
	parent.children = append(parent.children, f.id)
	parent.expanded = true

	w.open = append(w.open, f.id)
	w.active = f.id
	return w.materialize(f), nil
}

// AddFile inserts a file node received from a peer verbatim, keeping
// its id and content. The open-file set is untouched.
func (w *Workspace) AddFile(parentDirID string, item *models.WorkspaceItem) error {
	if item == nil || item.ID == "" {
		return ErrNotFound
	}
	parent, err := w.resolveDir(parentDirID)
	if err != nil {
		return err
	}
	w.index(item, parent.id)
	parent.children = append(parent.children, item.ID)
	return nil
}

// CreateDirectory inserts a new empty directory under parentDirID.
// Unlike files, directory name collisions are rejected rather than
// auto-suffixed.
func (w *Workspace) CreateDirectory(parentDirID, name string) (*models.WorkspaceItem, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	parent, err := w.resolveDir(parentDirID)
	if err != nil {
		return nil, err
	}
	if w.siblingExists(parent, name, models.ItemDirectory, "") {
		return nil, ErrNameConflict
	}
	d := &node{
		id:     models.NewID(),
		name:   name,
		kind:   models.ItemDirectory,
		parent: parent.id,
	}
	w.nodes[d.id] = d
	parent.children = append(parent.children, d.id)
	return w.materialize(d), nil
}

// AddDirectory inserts a directory subtree received from a peer
// verbatim, keeping every id.
func (w *Workspace) AddDirectory(parentDirID string, item *models.WorkspaceItem) error {
	if item == nil || item.ID == "" {
		return ErrNotFound
	}
	parent, err := w.resolveDir(parentDirID)
	if err != nil {
		return err
	}
	w.index(item, parent.id)
	parent.children = append(parent.children, item.ID)
	return nil
}

// index recursively adopts a wire item and its children into the arena.
func (w *Workspace) index(item *models.WorkspaceItem, parentID string) {
	n := &node{
		id:       item.ID,
		name:     item.Name,
		kind:     item.Kind,
		content:  item.Content,
		expanded: item.Expanded,
		parent:   parentID,
	}
	w.nodes[n.id] = n
	for _, child := range item.Children {
		if child == nil || child.ID == "" {
			continue
		}
		w.index(child, n.id)
		n.children = append(n.children, child.ID)
	}
}

// RenameFile renames a file in place. A sibling file already carrying
// newName rejects the rename; a sibling directory does not.
func (w *Workspace) RenameFile(id, newName string) error {
	return w.rename(id, newName, models.ItemFile)
}

// RenameDirectory renames a directory in place. Only sibling
// directories are checked for conflicts.
func (w *Workspace) RenameDirectory(id, newName string) error {
	return w.rename(id, newName, models.ItemDirectory)
}

func (w *Workspace) rename(id, newName string, kind models.ItemKind) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return ErrInvalidName
	}
	n, ok := w.nodes[id]
	if !ok || n.kind != kind {
		return ErrNotFound
	}
	if parent, ok := w.nodes[n.parent]; ok {
		if w.siblingExists(parent, newName, kind, n.id) {
			return ErrNameConflict
		}
	}
	n.name = newName
	return nil
}

// DeleteFile removes a file node, closing it if open. When the deleted
// file was active, the adjacent remaining open file takes over.
func (w *Workspace) DeleteFile(id string) error {
	n, ok := w.nodes[id]
	if !ok || n.kind != models.ItemFile {
		return ErrNotFound
	}
	w.detach(n)
	w.closeRemoved(map[string]bool{id: true})
	return nil
}

// DeleteDirectory removes a directory subtree. Every descendant file
// leaves the open set; if the active file was among them, the adjacent
// remaining open file becomes active, or none remain.
func (w *Workspace) DeleteDirectory(id string) error {
	if id == w.rootID {
		return ErrRootDeletion
	}
	n, ok := w.nodes[id]
	if !ok || n.kind != models.ItemDirectory {
		return ErrNotFound
	}
	removed := make(map[string]bool)
	w.collect(n, removed)
	w.detach(n)
	w.closeRemoved(removed)
	return nil
}

// collect gathers the ids of n and all its descendants.
func (w *Workspace) collect(n *node, into map[string]bool) {
	into[n.id] = true
	for _, cid := range n.children {
		if c := w.nodes[cid]; c != nil {
			w.collect(c, into)
		}
	}
}

// detach unlinks n from its parent and drops the subtree from the arena.
func (w *Workspace) detach(n *node) {
	if parent, ok := w.nodes[n.parent]; ok {
		for i, cid := range parent.children {
			if cid == n.id {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
	}
	removed := make(map[string]bool)
	w.collect(n, removed)
	for id := range removed {
		delete(w.nodes, id)
	}
}

// closeRemoved drops removed ids from the open set and, when the active
// file went with them, promotes the open file just before it, then the
// one after, then none.
func (w *Workspace) closeRemoved(removed map[string]bool) {
	before := append([]string(nil), w.open...)
	activeIdx := -1
	for i, id := range before {
		if id == w.active {
			activeIdx = i
		}
	}

	kept := w.open[:0]
	for _, id := range w.open {
		if !removed[id] {
			kept = append(kept, id)
		}
	}
	w.open = kept

	if w.active == "" || !removed[w.active] {
		return
	}
	w.active = ""
	for i := activeIdx - 1; i >= 0; i-- {
		if !removed[before[i]] {
			w.active = before[i]
			return
		}
	}
	for i := activeIdx + 1; i < len(before); i++ {
		if !removed[before[i]] {
			w.active = before[i]
			return
		}
	}
}

// UpdateFileContent replaces a file's content. An empty or unresolved
// id means no file is selected and the call is a silent no-op.
func (w *Workspace) UpdateFileContent(id, content string) {
	n, ok := w.nodes[id]
	if !ok || n.kind != models.ItemFile {
		return
	}
	n.content = content
}

// ReplaceChildren swaps a directory's children wholesale (the
// directory-updated event). Open files and the active file are cleared
// since their nodes may no longer exist.
func (w *Workspace) ReplaceChildren(dirID string, children []*models.WorkspaceItem) error {
	dir, err := w.resolveDir(dirID)
	if err != nil {
		return err
	}
	old := append([]string(nil), dir.children...)
	for _, cid := range old {
		if c := w.nodes[cid]; c != nil {
			w.detach(c)
		}
	}
	dir.children = nil
	for _, child := range children {
		if child == nil || child.ID == "" {
			continue
		}
		w.index(child, dir.id)
		dir.children = append(dir.children, child.ID)
	}
	w.open = nil
	w.active = ""
	return nil
}

// ToggleExpansion flips a directory's expanded flag. UI state only,
// never broadcast.
func (w *Workspace) ToggleExpansion(id string) {
	if n, ok := w.nodes[id]; ok && n.kind == models.ItemDirectory {
		n.expanded = !n.expanded
	}
}

// CollapseAll folds every directory except the root.
func (w *Workspace) CollapseAll() {
	for _, n := range w.nodes {
		if n.kind == models.ItemDirectory && n.id != w.rootID {
			n.expanded = false
		}
	}
}

// OpenFile adds a file to the tabs and makes it active.
func (w *Workspace) OpenFile(id string) error {
	n, ok := w.nodes[id]
	if !ok || n.kind != models.ItemFile {
		return ErrNotFound
	}
	already := false
	for _, oid := range w.open {
		if oid == id {
			already = true
			break
		}
	}
	if !already {
		w.open = append(w.open, id)
	}
	w.active = id
	return nil
}

// CloseFile removes a file from the tabs. Closing the active file
// promotes the tab before it, else the one after, else none.
func (w *Workspace) CloseFile(id string) {
	idx := -1
	for i, oid := range w.open {
		if oid == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	if w.active == id {
		switch {
		case len(w.open) == 1:
			w.active = ""
		case idx > 0:
			w.active = w.open[idx-1]
		default:
			w.active = w.open[idx+1]
		}
	}
	w.open = append(w.open[:idx], w.open[idx+1:]...)
}

// Find returns the wire form of a single node, or nil.
func (w *Workspace) Find(id string) *models.WorkspaceItem {
	n, ok := w.nodes[id]
	if !ok {
		return nil
	}
	return w.materialize(n)
}

// Tree materializes the whole tree in display order: directories before
// files, dot-prefixed names first within each group, then A-Z.
func (w *Workspace) Tree() *models.WorkspaceItem {
	root, ok := w.nodes[w.rootID]
	if !ok {
		return nil
	}
	return w.materialize(root)
}

// OpenFiles materializes the open tabs in tab order.
func (w *Workspace) OpenFiles() []*models.WorkspaceItem {
	items := make([]*models.WorkspaceItem, 0, len(w.open))
	for _, id := range w.open {
		if n, ok := w.nodes[id]; ok {
			items = append(items, w.materialize(n))
		}
	}
	return items
}

// ActiveFile materializes the active file, or nil when none is active.
func (w *Workspace) ActiveFile() *models.WorkspaceItem {
	n, ok := w.nodes[w.active]
	if !ok {
		return nil
	}
	return w.materialize(n)
}

// ActiveFileID returns the active file's id, or "".
func (w *Workspace) ActiveFileID() string {
	if _, ok := w.nodes[w.active]; !ok {
		return ""
	}
	return w.active
}

// Restore replaces the entire workspace with a peer's snapshot. Open
// files and the active pointer are re-keyed into the adopted arena;
// entries the snapshot tree no longer contains are dropped.
func (w *Workspace) Restore(tree *models.WorkspaceItem, openFiles []*models.WorkspaceItem, active *models.WorkspaceItem) error {
	if tree == nil || tree.ID == "" || tree.Kind != models.ItemDirectory {
		return ErrNotADirectory
	}
	w.nodes = make(map[string]*node)
	w.index(tree, "")
	w.rootID = tree.ID

	w.open = nil
	for _, f := range openFiles {
		if f == nil {
			continue
		}
		if n, ok := w.nodes[f.ID]; ok && n.kind == models.ItemFile {
			w.open = append(w.open, f.ID)
		}
	}
	w.active = ""
	if active != nil {
		if n, ok := w.nodes[active.ID]; ok && n.kind == models.ItemFile {
			w.active = active.ID
		}
	}
	return nil
}

func (w *Workspace) materialize(n *node) *models.WorkspaceItem {
	item := &models.WorkspaceItem{
		ID:       n.id,
		Name:     n.name,
		Kind:     n.kind,
		Content:  n.content,
		Expanded: n.expanded,
	}
	if n.kind != models.ItemDirectory {
		return item
	}
	children := make([]*node, 0, len(n.children))
	for _, cid := range n.children {
		if c := w.nodes[cid]; c != nil {
			children = append(children, c)
		}
	}
	sort.SliceStable(children, func(i, j int) bool {
		a, b := children[i], children[j]
		if a.kind != b.kind {
			return a.kind == models.ItemDirectory
		}
		aDot := strings.HasPrefix(a.name, ".")
		bDot := strings.HasPrefix(b.name, ".")
		if aDot != bDot {
			return aDot
		}
		return a.name < b.name
	})
	item.Children = make([]*models.WorkspaceItem, 0, len(children))
	for _, c := range children {
		item.Children = append(item.Children, w.materialize(c))
	}
	return item
}
