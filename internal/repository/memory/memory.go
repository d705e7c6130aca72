// Package memory はプロセス内メモリ上のStore実装を提供する。
// PostgreSQLと同じ一意制約とカスケード削除を再現し、テストや単体稼働で使用する。
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/dashboard/internal/model"
	"github.com/hitoshi/dashboard/internal/repository"
)

// DB はメモリ上のデータセットとUnitOfWorkを保持する。
// Doは直列化され、コールバックはデータセットの複製に対して実行される。
// コールバックが成功した場合のみ複製が本体に反映される。
type DB struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// New は空のDBを生成する。
func New() *DB {
	return &DB{st: newState(), now: func() time.Time { return time.Now().UTC() }}
}

// Do はfnをデータセットの複製に対して実行し、nilが返された場合のみ反映する。
// fnがpanicした場合は複製を破棄して再panicする。
func (d *DB) Do(ctx context.Context, fn func(s repository.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	work := d.st.clone()
	if err := fn(&Store{st: work, now: d.now}); err != nil {
		return err
	}
	d.st = work
	return nil
}

type linkSet map[string]*model.Link

// state はテーブル相当のマップの集合。
type state struct {
	persons       map[string]*model.Person
	personsByUser map[string]string

	contexts      map[string]*model.Context
	contextsByExt map[string]string

	sourceTypes   map[string]*model.SourceType
	sourcesByName map[string]string

	news     map[string]*model.NewsItem
	calendar map[string]*model.CalendarItem
	rules    map[string]*model.RepeatingCalendarItem

	links map[model.LinkKind]linkSet

	taskLocks map[string]*model.TaskLock
	checks    map[string]*model.AvailabilityCheck
}

func newState() *state {
	return &state{
		persons:       make(map[string]*model.Person),
		personsByUser: make(map[string]string),
		contexts:      make(map[string]*model.Context),
		contextsByExt: make(map[string]string),
		sourceTypes:   make(map[string]*model.SourceType),
		sourcesByName: make(map[string]string),
		news:          make(map[string]*model.NewsItem),
		calendar:      make(map[string]*model.CalendarItem),
		rules:         make(map[string]*model.RepeatingCalendarItem),
		links: map[model.LinkKind]linkSet{
			model.LinkKindNews:     make(linkSet),
			model.LinkKindCalendar: make(linkSet),
		},
		taskLocks: make(map[string]*model.TaskLock),
		checks:    make(map[string]*model.AvailabilityCheck),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.persons {
		p := *v
		c.persons[k] = &p
	}
	for k, v := range s.personsByUser {
		c.personsByUser[k] = v
	}
	for k, v := range s.contexts {
		x := *v
		c.contexts[k] = &x
	}
	for k, v := range s.contextsByExt {
		c.contextsByExt[k] = v
	}
	for k, v := range s.sourceTypes {
		x := *v
		c.sourceTypes[k] = &x
	}
	for k, v := range s.sourcesByName {
		c.sourcesByName[k] = v
	}
	for k, v := range s.news {
		x := *v
		c.news[k] = &x
	}
	for k, v := range s.calendar {
		x := *v
		x.SequenceNumber = copyInt(v.SequenceNumber)
		c.calendar[k] = &x
	}
	for k, v := range s.rules {
		x := *v
		c.rules[k] = &x
	}
	for kind, set := range s.links {
		for k, v := range set {
			x := *v
			c.links[kind][k] = &x
		}
	}
	for k, v := range s.taskLocks {
		x := *v
		c.taskLocks[k] = &x
	}
	for k, v := range s.checks {
		x := *v
		c.checks[k] = &x
	}
	return c
}

// Store はトランザクション中のデータセットに束縛されたrepository.Store実装。
type Store struct {
	st  *state
	now func() time.Time
}

func newID() string {
	return uuid.New().String()
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	i := *v
	return &i
}

func sameSeq(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// --- Person / Context / SourceType

func (s *Store) FindPersonByUserID(_ context.Context, userID string) (*model.Person, error) {
	id, ok := s.st.personsByUser[userID]
	if !ok {
		return nil, nil
	}
	p := *s.st.persons[id]
	return &p, nil
}

func (s *Store) GetOrCreatePerson(ctx context.Context, userID string) (*model.Person, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if _, ok := s.st.personsByUser[userID]; !ok {
		p := &model.Person{ID: newID(), UserID: userID, CreatedAt: s.now()}
		s.st.persons[p.ID] = p
		s.st.personsByUser[userID] = p.ID
	}
	return s.FindPersonByUserID(ctx, userID)
}

func (s *Store) FindContext(_ context.Context, contextID string) (*model.Context, error) {
	id, ok := s.st.contextsByExt[contextID]
	if !ok {
		return nil, nil
	}
	c := *s.st.contexts[id]
	return &c, nil
}

func (s *Store) CreateContext(ctx context.Context, c *model.Context) (*model.Context, error) {
	if _, ok := s.st.contextsByExt[c.ContextID]; !ok {
		x := *c
		if x.ID == "" {
			x.ID = newID()
		}
		if x.CreatedAt.IsZero() {
			x.CreatedAt = s.now()
		}
		s.st.contexts[x.ID] = &x
		s.st.contextsByExt[x.ContextID] = x.ID
	}
	return s.FindContext(ctx, c.ContextID)
}

func (s *Store) FindSourceType(_ context.Context, identifier string) (*model.SourceType, error) {
	id, ok := s.st.sourcesByName[identifier]
	if !ok {
		return nil, nil
	}
	st := *s.st.sourceTypes[id]
	return &st, nil
}

func (s *Store) CreateSourceType(ctx context.Context, identifier string) (*model.SourceType, error) {
	if _, ok := s.st.sourcesByName[identifier]; !ok {
		st := &model.SourceType{ID: newID(), Identifier: identifier, CreatedAt: s.now()}
		s.st.sourceTypes[st.ID] = st
		s.st.sourcesByName[identifier] = st.ID
	}
	return s.FindSourceType(ctx, identifier)
}

// resolve はContext/SourceTypeの参照を保存済みの値で置き換えた複製を返す。
func (s *Store) resolveContext(c *model.Context) *model.Context {
	if c == nil {
		return nil
	}
	if stored, ok := s.st.contexts[c.ID]; ok {
		x := *stored
		return &x
	}
	x := *c
	return &x
}

func (s *Store) resolveSource(st *model.SourceType) *model.SourceType {
	if st == nil {
		return nil
	}
	if stored, ok := s.st.sourceTypes[st.ID]; ok {
		x := *stored
		return &x
	}
	x := *st
	return &x
}

func (s *Store) validRefs(c *model.Context, st *model.SourceType) error {
	if c == nil || st == nil {
		return fmt.Errorf("コンテキストとソース種別が必要です: %w", model.ErrInvalidInput)
	}
	if _, ok := s.st.contexts[c.ID]; !ok {
		return fmt.Errorf("context %s: %w", c.ID, model.ErrNotFound)
	}
	if _, ok := s.st.sourceTypes[st.ID]; !ok {
		return fmt.Errorf("source type %s: %w", st.ID, model.ErrNotFound)
	}
	return nil
}

// --- News items

func (s *Store) readNews(n *model.NewsItem) *model.NewsItem {
	x := *n
	x.Context = s.resolveContext(n.Context)
	x.SourceType = s.resolveSource(n.SourceType)
	return &x
}

func (s *Store) FindNewsItem(_ context.Context, entityRef string) (*model.NewsItem, error) {
	for _, n := range s.st.news {
		if n.EntityReference == entityRef {
			return s.readNews(n), nil
		}
	}
	return nil, nil
}

func (s *Store) ListNewsItemsByContext(_ context.Context, contextID string) ([]*model.NewsItem, error) {
	var items []*model.NewsItem
	for _, n := range s.st.news {
		if n.Context != nil && s.st.contexts[n.Context.ID] != nil && s.st.contexts[n.Context.ID].ContextID == contextID {
			items = append(items, s.readNews(n))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].NewsTime.Equal(items[j].NewsTime) {
			return items[i].NewsTime.After(items[j].NewsTime)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *Store) CreateNewsItem(ctx context.Context, item *model.NewsItem) error {
	if err := s.validRefs(item.Context, item.SourceType); err != nil {
		return err
	}
	if existing, _ := s.FindNewsItem(ctx, item.EntityReference); existing != nil {
		return fmt.Errorf("news item %s: %w", item.EntityReference, model.ErrDuplicate)
	}
	if item.ID == "" {
		item.ID = newID()
	}
	item.CreatedAt = s.now()
	item.UpdatedAt = item.CreatedAt
	x := *item
	s.st.news[x.ID] = &x
	return nil
}

func (s *Store) UpdateNewsItem(_ context.Context, item *model.NewsItem) error {
	n, ok := s.st.news[item.ID]
	if !ok {
		return nil
	}
	item.UpdatedAt = s.now()
	n.Title = item.Title
	n.NewsTime = item.NewsTime
	n.LabelKey = item.LabelKey
	n.Subtype = item.Subtype
	n.UpdatedAt = item.UpdatedAt
	return nil
}

func (s *Store) DeleteNewsItem(_ context.Context, id string) error {
	delete(s.st.news, id)
	s.cascadeLinks(model.LinkKindNews, id)
	return nil
}

// --- Calendar items

func (s *Store) readCalendar(c *model.CalendarItem) *model.CalendarItem {
	x := *c
	x.SequenceNumber = copyInt(c.SequenceNumber)
	x.Context = s.resolveContext(c.Context)
	x.SourceType = s.resolveSource(c.SourceType)
	return &x
}

func (s *Store) findCalendar(entityRef, labelKey string, seq *int, excludeID string) *model.CalendarItem {
	for _, c := range s.st.calendar {
		if c.ID == excludeID {
			continue
		}
		if c.EntityReference == entityRef && c.CalendarTimeLabelKey == labelKey && sameSeq(c.SequenceNumber, seq) {
			return c
		}
	}
	return nil
}

func (s *Store) FindCalendarItem(_ context.Context, entityRef, labelKey string, seq *int) (*model.CalendarItem, error) {
	if c := s.findCalendar(entityRef, labelKey, seq, ""); c != nil {
		return s.readCalendar(c), nil
	}
	return nil, nil
}

func (s *Store) listCalendar(match func(c *model.CalendarItem) bool) []*model.CalendarItem {
	var items []*model.CalendarItem
	for _, c := range s.st.calendar {
		if match(c) {
			items = append(items, s.readCalendar(c))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].SequenceValue(), items[j].SequenceValue()
		if a != b {
			return a < b
		}
		if !items[i].CalendarTime.Equal(items[j].CalendarTime) {
			return items[i].CalendarTime.Before(items[j].CalendarTime)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func (s *Store) ListCalendarItemsByEntity(_ context.Context, entityRef string) ([]*model.CalendarItem, error) {
	return s.listCalendar(func(c *model.CalendarItem) bool { return c.EntityReference == entityRef }), nil
}

func (s *Store) ListCalendarItemsByRule(_ context.Context, ruleID string) ([]*model.CalendarItem, error) {
	return s.listCalendar(func(c *model.CalendarItem) bool { return c.RepeatingCalendarItemID == ruleID }), nil
}

func (s *Store) ListCalendarItemsByContext(_ context.Context, contextID string) ([]*model.CalendarItem, error) {
	return s.listCalendar(func(c *model.CalendarItem) bool {
		stored, ok := s.st.contexts[c.Context.ID]
		return ok && stored.ContextID == contextID
	}), nil
}

func (s *Store) CreateCalendarItem(_ context.Context, item *model.CalendarItem) error {
	if err := s.validRefs(item.Context, item.SourceType); err != nil {
		return err
	}
	if s.findCalendar(item.EntityReference, item.CalendarTimeLabelKey, item.SequenceNumber, "") != nil {
		return fmt.Errorf("calendar item %s: %w", item.EntityReference, model.ErrDuplicate)
	}
	if item.ID == "" {
		item.ID = newID()
	}
	item.CreatedAt = s.now()
	item.UpdatedAt = item.CreatedAt
	x := *item
	x.SequenceNumber = copyInt(item.SequenceNumber)
	s.st.calendar[x.ID] = &x
	return nil
}

func (s *Store) UpdateCalendarItem(_ context.Context, item *model.CalendarItem) error {
	if err := s.validRefs(item.Context, item.SourceType); err != nil {
		return err
	}
	if _, ok := s.st.calendar[item.ID]; !ok {
		return nil
	}
	if s.findCalendar(item.EntityReference, item.CalendarTimeLabelKey, item.SequenceNumber, item.ID) != nil {
		return fmt.Errorf("calendar item %s: %w", item.EntityReference, model.ErrDuplicate)
	}
	item.UpdatedAt = s.now()
	x := *item
	x.SequenceNumber = copyInt(item.SequenceNumber)
	x.CreatedAt = s.st.calendar[item.ID].CreatedAt
	s.st.calendar[x.ID] = &x
	return nil
}

func (s *Store) DeleteCalendarItem(_ context.Context, id string) error {
	delete(s.st.calendar, id)
	s.cascadeLinks(model.LinkKindCalendar, id)
	return nil
}

// --- Repeating calendar items

func (s *Store) readRule(r *model.RepeatingCalendarItem) *model.RepeatingCalendarItem {
	x := *r
	x.Context = s.resolveContext(r.Context)
	x.SourceType = s.resolveSource(r.SourceType)
	return &x
}

func (s *Store) FindRepeatingCalendarItem(_ context.Context, entityRef, labelKey string) (*model.RepeatingCalendarItem, error) {
	for _, r := range s.st.rules {
		if r.EntityReference == entityRef && r.CalendarTimeLabelKey == labelKey {
			return s.readRule(r), nil
		}
	}
	return nil, nil
}

func (s *Store) ListRepeatingCalendarItems(_ context.Context) ([]*model.RepeatingCalendarItem, error) {
	rules := make([]*model.RepeatingCalendarItem, 0, len(s.st.rules))
	for _, r := range s.st.rules {
		rules = append(rules, s.readRule(r))
	}
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].FirstTime.Equal(rules[j].FirstTime) {
			return rules[i].FirstTime.Before(rules[j].FirstTime)
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

func (s *Store) CreateRepeatingCalendarItem(ctx context.Context, rule *model.RepeatingCalendarItem) error {
	if err := s.validRefs(rule.Context, rule.SourceType); err != nil {
		return err
	}
	if existing, _ := s.FindRepeatingCalendarItem(ctx, rule.EntityReference, rule.CalendarTimeLabelKey); existing != nil {
		return fmt.Errorf("repeating item %s: %w", rule.EntityReference, model.ErrDuplicate)
	}
	if rule.ID == "" {
		rule.ID = newID()
	}
	rule.CreatedAt = s.now()
	rule.UpdatedAt = rule.CreatedAt
	x := *rule
	s.st.rules[x.ID] = &x
	return nil
}

func (s *Store) UpdateRepeatingCalendarItem(_ context.Context, rule *model.RepeatingCalendarItem) error {
	r, ok := s.st.rules[rule.ID]
	if !ok {
		return nil
	}
	rule.UpdatedAt = s.now()
	r.Title = rule.Title
	r.FirstTime = rule.FirstTime
	r.LastTime = rule.LastTime
	r.CalendarTimeLabelKey = rule.CalendarTimeLabelKey
	r.Subtype = rule.Subtype
	r.Frequency = rule.Frequency
	r.Count = rule.Count
	r.UpdatedAt = rule.UpdatedAt
	return nil
}

func (s *Store) DeleteRepeatingCalendarItem(ctx context.Context, id string) error {
	delete(s.st.rules, id)
	for cid, c := range s.st.calendar {
		if c.RepeatingCalendarItemID == id {
			_ = s.DeleteCalendarItem(ctx, cid)
		}
	}
	return nil
}

// --- Links

func (s *Store) linkSet(kind model.LinkKind) (linkSet, error) {
	set, ok := s.st.links[kind]
	if !ok {
		return nil, fmt.Errorf("unknown link kind %q: %w", kind, model.ErrInvalidInput)
	}
	return set, nil
}

func (s *Store) cascadeLinks(kind model.LinkKind, itemID string) {
	for id, l := range s.st.links[kind] {
		if l.ItemID == itemID {
			delete(s.st.links[kind], id)
		}
	}
}

func (s *Store) UsersWithLinks(_ context.Context, kind model.LinkKind, itemID string) (map[string]struct{}, error) {
	set, err := s.linkSet(kind)
	if err != nil {
		return nil, err
	}
	users := make(map[string]struct{})
	for _, l := range set {
		if l.ItemID != itemID {
			continue
		}
		if p, ok := s.st.persons[l.PersonID]; ok {
			users[p.UserID] = struct{}{}
		}
	}
	return users, nil
}

func (s *Store) FindLink(_ context.Context, kind model.LinkKind, personID, itemID string) (*model.Link, error) {
	set, err := s.linkSet(kind)
	if err != nil {
		return nil, err
	}
	for _, l := range set {
		if l.PersonID == personID && l.ItemID == itemID {
			x := *l
			return &x, nil
		}
	}
	return nil, nil
}

func (s *Store) AddLinks(ctx context.Context, kind model.LinkKind, links []*model.Link) (int, error) {
	set, err := s.linkSet(kind)
	if err != nil {
		return 0, err
	}
	inserted := 0
	for _, l := range links {
		if existing, _ := s.FindLink(ctx, kind, l.PersonID, l.ItemID); existing != nil {
			continue
		}
		if _, ok := s.st.persons[l.PersonID]; !ok {
			return inserted, fmt.Errorf("person %s: %w", l.PersonID, model.ErrNotFound)
		}
		if l.ID == "" {
			l.ID = newID()
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = s.now()
		}
		x := *l
		set[x.ID] = &x
		inserted++
	}
	return inserted, nil
}

func (s *Store) DeleteLinksForItem(_ context.Context, kind model.LinkKind, itemID string) (int, error) {
	set, err := s.linkSet(kind)
	if err != nil {
		return 0, err
	}
	n := 0
	for id, l := range set {
		if l.ItemID == itemID {
			delete(set, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteLinksForUsers(_ context.Context, kind model.LinkKind, itemID string, userIDs []string) (int, error) {
	set, err := s.linkSet(kind)
	if err != nil {
		return 0, err
	}
	targets := make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		if pid, ok := s.st.personsByUser[u]; ok {
			targets[pid] = struct{}{}
		}
	}
	n := 0
	for id, l := range set {
		if _, ok := targets[l.PersonID]; ok && l.ItemID == itemID {
			delete(set, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteLinksForPersonInContext(_ context.Context, kind model.LinkKind, personID, contextID string) (int, error) {
	set, err := s.linkSet(kind)
	if err != nil {
		return 0, err
	}
	n := 0
	for id, l := range set {
		if l.PersonID == personID && l.ContextID == contextID {
			delete(set, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) UpdateLinkFlags(_ context.Context, kind model.LinkKind, linkID string, hidden, sticky bool) error {
	set, err := s.linkSet(kind)
	if err != nil {
		return err
	}
	l, ok := set[linkID]
	if !ok {
		return fmt.Errorf("link %s: %w", linkID, model.ErrNotFound)
	}
	l.Hidden = hidden
	l.Sticky = sticky
	return nil
}

// --- Task locks

func (s *Store) sortedLocks(match func(l *model.TaskLock) bool) []*model.TaskLock {
	var locks []*model.TaskLock
	for _, l := range s.st.taskLocks {
		if match(l) {
			x := *l
			locks = append(locks, &x)
		}
	}
	sort.Slice(locks, func(i, j int) bool {
		if !locks[i].ClaimTime.Equal(locks[j].ClaimTime) {
			return locks[i].ClaimTime.Before(locks[j].ClaimTime)
		}
		return locks[i].ID < locks[j].ID
	})
	return locks
}

func (s *Store) ListTaskLocks(_ context.Context, task string) ([]*model.TaskLock, error) {
	return s.sortedLocks(func(l *model.TaskLock) bool { return l.Task == task }), nil
}

func (s *Store) ListAssignedTaskLocks(_ context.Context) ([]*model.TaskLock, error) {
	return s.sortedLocks(func(l *model.TaskLock) bool { return l.HasLock }), nil
}

func (s *Store) AddTaskLock(_ context.Context, lock *model.TaskLock) error {
	if lock.ID == "" {
		lock.ID = newID()
	}
	x := *lock
	s.st.taskLocks[x.ID] = &x
	return nil
}

func (s *Store) PromoteTaskLock(_ context.Context, id string, lastUpdate time.Time) error {
	l, ok := s.st.taskLocks[id]
	if !ok {
		return fmt.Errorf("task lock %s: %w", id, model.ErrNotFound)
	}
	l.HasLock = true
	l.LastUpdate = lastUpdate
	return nil
}

func (s *Store) TouchTaskLock(_ context.Context, task, serverID string, lastUpdate time.Time) (int, error) {
	n := 0
	for _, l := range s.st.taskLocks {
		if l.Task == task && l.ServerID == serverID && l.HasLock {
			l.LastUpdate = lastUpdate
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteTaskLocks(_ context.Context, task string) error {
	for id, l := range s.st.taskLocks {
		if l.Task == task {
			delete(s.st.taskLocks, id)
		}
	}
	return nil
}

// --- Availability checks

func (s *Store) AddAvailabilityCheck(_ context.Context, check *model.AvailabilityCheck) error {
	if check.ID == "" {
		check.ID = newID()
	}
	x := *check
	s.st.checks[x.ID] = &x
	return nil
}

func (s *Store) ListDueAvailabilityChecks(_ context.Context, before time.Time) ([]*model.AvailabilityCheck, error) {
	var checks []*model.AvailabilityCheck
	for _, c := range s.st.checks {
		if !c.ScheduledTime.After(before) {
			x := *c
			checks = append(checks, &x)
		}
	}
	sort.Slice(checks, func(i, j int) bool {
		if !checks[i].ScheduledTime.Equal(checks[j].ScheduledTime) {
			return checks[i].ScheduledTime.Before(checks[j].ScheduledTime)
		}
		return checks[i].ID < checks[j].ID
	})
	return checks, nil
}

func (s *Store) DeleteAvailabilityCheck(_ context.Context, id string) error {
	delete(s.st.checks, id)
	return nil
}

func (s *Store) DeleteAvailabilityChecks(_ context.Context, entityRef string) error {
	for id, c := range s.st.checks {
		if c.EntityReference == entityRef {
			delete(s.st.checks, id)
		}
	}
	return nil
}

// compile-time interface check
var _ repository.Store = (*Store)(nil)
var _ repository.UnitOfWork = (*DB)(nil)
