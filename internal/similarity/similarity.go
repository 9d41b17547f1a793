// Package similarity implements the ranking engine of spec section 4.6:
// a weighted multi-factor score over every stored question, returned
// with cursor-based pagination backed by a signed, opaque token. The
// per-user LRU snapshot cache follows the teacher's pattern of caching
// expensive read-heavy computation behind a bounded cache (Store's
// mailing-list lookups), generalised here to hashicorp/golang-lru.
package similarity

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
	"github.com/righttoaskorg/right-to-ask-server/internal/questions"
	"github.com/righttoaskorg/right-to-ask-server/internal/similarity/vocabulary"
)

const (
	defaultSearchCacheSize = 1000
	defaultPageSize        = 20
	maxRankedCandidates     = 5000
	tokenTTL                = 10 * time.Minute
)

// Weights is the caller-supplied weighting of each scoring factor (spec
// section 4.6's score formula).
type Weights struct {
	Text                float64
	Metadata            float64
	TotalVotes          float64
	NetVotes            float64
	Recentness          float64
	RecentnessTimescale time.Duration
}

// Query is one similarity search request.
type Query struct {
	Text                  string
	MPWhoShouldAsk        *string
	EntityWhoShouldAnswer *string
	Weights               Weights
}

// Page is the cursor window a caller asks for: From/To are positions
// into the ranked list; Token, if present, must match a live snapshot.
type Page struct {
	From  int
	To    int
	Token string
}

// Result is one ranked hit plus the score that produced its position.
type Result struct {
	Question questions.Question
	Score    float64
}

// PageResult is returned to callers: the window of results plus the
// token to fetch the next window of the same snapshot.
type PageResult struct {
	Results    []Result
	NextToken  string
	TotalCount int
}

// QuestionSource is the read surface similarity needs from the question
// store; kept as a narrow interface so this package does not need the
// full store's write methods.
type QuestionSource interface {
	GetQuestionList(ctx context.Context, limit, offset int) ([]questions.Question, error)
}

// snapshot is a cached, fully ranked result set for one fingerprint.
type snapshot struct {
	id      string
	ranked  []Result
	created time.Time
}

// pageClaims is the JWT payload carried by an opaque pagination token:
// tamper-evident since it is HMAC-signed with a server-only key, so a
// client cannot widen its own window into a snapshot it was not issued.
type pageClaims struct {
	jwt.RegisteredClaims
	SnapshotID string `json:"sid"`
	Offset     int    `json:"off"`
}

// Engine ranks questions against a query and serves paginated, cached
// results.
type Engine struct {
	questions QuestionSource
	vocab     *vocabulary.Model
	secret    []byte

	mu    sync.Mutex
	cache *lru.Cache[string, *snapshot]
}

type Options struct {
	SearchCacheSize int
}

func New(qs QuestionSource, vocab *vocabulary.Model, tokenSecret []byte, opts Options) (*Engine, error) {
	size := opts.SearchCacheSize
	if size <= 0 {
		size = defaultSearchCacheSize
	}
	cache, err := lru.New[string, *snapshot](size)
	if err != nil {
		return nil, fmt.Errorf("similarity: new cache: %w", err)
	}
	return &Engine{questions: qs, vocab: vocab, secret: tokenSecret, cache: cache}, nil
}

// Search runs Query against every stored question (bounded by
// maxRankedCandidates), caches the ranked snapshot under
// (userID, fingerprint), and returns the first page.
func (e *Engine) Search(ctx context.Context, userID int64, q Query, page Page) (*PageResult, error) {
	if page.Token != "" {
		return e.continuePage(page)
	}

	key := cacheKey(userID, q)
	e.mu.Lock()
	snap, ok := e.cache.Get(key)
	e.mu.Unlock()
	if !ok {
		ranked, err := e.rank(ctx, q)
		if err != nil {
			return nil, err
		}
		snap = &snapshot{id: uuid.NewString(), ranked: ranked, created: nowFunc()}
		e.mu.Lock()
		e.cache.Add(key, snap)
		e.mu.Unlock()
	}

	from, to := normalizeWindow(page.From, page.To, len(snap.ranked))
	return e.windowResult(snap, from, to)
}

func (e *Engine) continuePage(page Page) (*PageResult, error) {
	claims := &pageClaims{}
	_, err := jwt.ParseWithClaims(page.Token, claims, func(*jwt.Token) (any, error) { return e.secret, nil })
	if err != nil {
		return nil, apierr.New(apierr.PageTokenExpired, "pagination token expired or invalid, restart the search")
	}

	e.mu.Lock()
	snap, ok := e.cacheLookupByID(claims.SnapshotID)
	e.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.PageTokenExpired, "ranking snapshot no longer available, restart the search")
	}

	from, to := normalizeWindow(claims.Offset, claims.Offset+(page.To-page.From), len(snap.ranked))
	return e.windowResult(snap, from, to)
}

func (e *Engine) cacheLookupByID(id string) (*snapshot, bool) {
	for _, key := range e.cache.Keys() {
		if v, ok := e.cache.Peek(key); ok && v.id == id {
			return v, true
		}
	}
	return nil, false
}

func (e *Engine) windowResult(snap *snapshot, from, to int) (*PageResult, error) {
	window := snap.ranked[from:to]

	var nextToken string
	if to < len(snap.ranked) {
		claims := pageClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(nowFunc().Add(tokenTTL))},
			SnapshotID:       snap.id,
			Offset:           to,
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := tok.SignedString(e.secret)
		if err != nil {
			return nil, apierr.New(apierr.Internal, "sign pagination token failed")
		}
		nextToken = signed
	}

	return &PageResult{Results: window, NextToken: nextToken, TotalCount: len(snap.ranked)}, nil
}

// InvalidateForQuestion drops every cached snapshot that could contain
// id, per spec section 4.6: "evicted ... on any question-store write
// for a question participating in any cached snapshot." Conservative:
// since a snapshot does not record its member ids cheaply, any write
// clears the whole cache rather than risk serving a stale score.
func (e *Engine) InvalidateForQuestion(_ questions.QuestionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Purge()
}

func (e *Engine) rank(ctx context.Context, q Query) ([]Result, error) {
	candidates, err := e.questions.GetQuestionList(ctx, maxRankedCandidates, 0)
	if err != nil {
		return nil, err
	}

	queryTokens := tokenize(q.Text, e.vocab)
	queryMeta := metadataSet(q.MPWhoShouldAsk, q.EntityWhoShouldAnswer, nil, nil, nil)

	out := make([]Result, 0, len(candidates))
	for _, cand := range candidates {
		score := e.score(q.Weights, queryTokens, queryMeta, cand)
		out = append(out, Result{Question: cand, Score: score})
	}

	sortResults(out)
	return out, nil
}

// sortResults orders by descending score, ties broken by descending
// last_modified then ascending question_id bytes (spec section 4.6's
// total order).
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Question.LastModified.Equal(results[j].Question.LastModified) {
			return results[i].Question.LastModified.After(results[j].Question.LastModified)
		}
		return bytes.Compare(results[i].Question.ID[:], results[j].Question.ID[:]) < 0
	})
}

func (e *Engine) score(w Weights, queryTokens map[string]float64, queryMeta map[string]bool, cand questions.Question) float64 {
	candTokens := tokenize(cand.Text, e.vocab)
	candMeta := metadataSetFromPeople(cand.People)

	text := cosineSimilarity(queryTokens, candTokens)
	meta := jaccard(queryMeta, candMeta)

	recentness := 0.0
	if w.RecentnessTimescale > 0 {
		age := nowFunc().Sub(cand.LastModified)
		recentness = math.Exp(-age.Seconds() / w.RecentnessTimescale.Seconds())
	}

	net := 0.0
	if cand.NetVotes != 0 {
		sign := 1.0
		if cand.NetVotes < 0 {
			sign = -1.0
		}
		net = sign * math.Log1p(math.Abs(float64(cand.NetVotes)))
	}

	return w.Text*text +
		w.Metadata*meta +
		w.TotalVotes*math.Log1p(float64(cand.TotalVotes)) +
		w.NetVotes*net +
		w.Recentness*recentness
}

// tokenize lowercases and splits on runs of anything other than ASCII
// letters and digits, canonicalising each
// token through the vocabulary model and weighting it by IDF so that
// common words contribute less than rare ones.
func tokenize(text string, vocab *vocabulary.Model) map[string]float64 {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	bag := make(map[string]float64)
	for _, f := range fields {
		canon := f
		if vocab != nil {
			canon = vocab.Canonicalize(f)
		}
		weight := 1.0
		if vocab != nil {
			weight = vocab.IDF(canon)
		}
		bag[canon] += weight
	}
	return bag
}

func cosineSimilarity(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, na, nb float64
	for k, av := range a {
		na += av * av
		if bv, ok := b[k]; ok {
			dot += av * bv
		}
	}
	for _, bv := range b {
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func metadataSet(mp, entity *string, committee, minister, user *string) map[string]bool {
	set := make(map[string]bool)
	add := func(prefix string, v *string) {
		if v != nil && *v != "" {
			set[prefix+":"+strings.ToLower(*v)] = true
		}
	}
	add("mp", mp)
	add("entity", entity)
	add("committee", committee)
	add("minister", minister)
	add("user", user)
	return set
}

func metadataSetFromPeople(people []questions.PersonForQuestion) map[string]bool {
	set := make(map[string]bool)
	for _, p := range people {
		if p.MP != nil {
			set["mp:"+strings.ToLower(*p.MP)] = true
		}
		if p.Committee != nil {
			set["committee:"+strings.ToLower(*p.Committee)] = true
		}
		if p.Minister != nil {
			set["minister:"+strings.ToLower(*p.Minister)] = true
		}
		if p.Organisation != nil {
			set["entity:"+strings.ToLower(*p.Organisation)] = true
		}
		if p.UserUID != nil {
			set["user:"+strings.ToLower(*p.UserUID)] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func cacheKey(userID int64, q Query) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s|", userID, strings.ToLower(strings.TrimSpace(q.Text)))
	if q.MPWhoShouldAsk != nil {
		b.WriteString(strings.ToLower(*q.MPWhoShouldAsk))
	}
	b.WriteByte('|')
	if q.EntityWhoShouldAnswer != nil {
		b.WriteString(strings.ToLower(*q.EntityWhoShouldAnswer))
	}
	return b.String()
}

func normalizeWindow(from, to, n int) (int, int) {
	if from < 0 {
		from = 0
	}
	if to <= from || to > n {
		to = n
	}
	if to-from > defaultPageSize*5 {
		to = from + defaultPageSize*5
	}
	if from > n {
		from = n
	}
	return from, to
}

// nowFunc is a seam for deterministic tests.
var nowFunc = time.Now
