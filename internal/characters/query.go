package characters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	orderByUpdatedAt = "updated_at"
	orderByNumChats  = "num_chats"

	similarLimit    = 16
	popularTagsScan = 100
	popularTagsTop  = 20
)

// Page is one result window of a cursor-paginated query.
type Page struct {
	Items []Character `json:"items"`
	// Cursor continues the scan when IsDone is false. Opaque to callers.
	Cursor string `json:"cursor"`
	IsDone bool   `json:"isDone"`
}

// ListRequest selects public, visible characters. Tag and model filters are
// conjunctive; empty filters match everything.
type ListRequest struct {
	Cursor         string
	Limit          int
	GenreTag       string
	PersonalityTag string
	RoleTag        string
	LanguageTag    string
	Model          string
}

// SearchRequest adds an optional name query. With a query, results match the
// name by substring ordered by recency; without one, results are the
// "popular" ordering by descending chat count.
type SearchRequest struct {
	ListRequest
	Query string
}

// TagCount is one tally entry of ListPopularTags.
type TagCount struct {
	TagName string `json:"tagName"`
	Count   int    `json:"count"`
}

// SimilarResult pairs a character with its similarity score to the query.
type SimilarResult struct {
	Character Character `json:"character"`
	Score     float32   `json:"score"`
}

// Matches reports whether the character would appear in this request's
// result set. The live query layer uses it to scope re-evaluation to
// affected subscriptions.
func (r ListRequest) Matches(c Character) bool {
	if c.IsDraft || c.IsBlacklisted || c.IsArchived || c.IsNSFW || c.Visibility == VisibilityPrivate {
		return false
	}
	if r.GenreTag != "" && c.GenreTag != r.GenreTag {
		return false
	}
	if r.PersonalityTag != "" && c.PersonalityTag != r.PersonalityTag {
		return false
	}
	if r.RoleTag != "" && c.RoleTag != r.RoleTag {
		return false
	}
	if r.LanguageTag != "" && c.LanguageTag != r.LanguageTag {
		return false
	}
	if r.Model != "" && c.Model != r.Model {
		return false
	}
	return true
}

// pageCursor is the decoded form of the opaque continuation cursor: the sort
// order, the last seen sort key, and the last seen id as tie-break.
type pageCursor struct {
	Order string `json:"o"`
	Key   int64  `json:"k"`
	ID    string `json:"id"`
}

func encodeCursor(cursor pageCursor) string {
	encoded, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(encoded)
}

func decodeCursor(raw, expectedOrder string) (pageCursor, bool) {
	if raw == "" {
		return pageCursor{}, false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return pageCursor{}, false
	}
	var cursor pageCursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return pageCursor{}, false
	}
	if cursor.Order != expectedOrder {
		return pageCursor{}, false
	}
	return cursor, true
}

// List returns one page of public characters ordered by updatedAt
// descending.
func (s *Service) List(ctx context.Context, request ListRequest) (Page, error) {
	query := s.visibleQuery(ctx).Scopes(request.tagScope())
	page, err := s.paginate(query, orderByUpdatedAt, request.Cursor, request.Limit)
	if err != nil {
		s.logError(opList, "query_failed", err)
		return Page{}, newServiceError(opList, "query_failed", err)
	}
	return page, nil
}

// Search returns one page of public characters. With a query string the name
// is matched by substring; without one the popular ordering applies.
func (s *Service) Search(ctx context.Context, request SearchRequest) (Page, error) {
	query := s.visibleQuery(ctx).Scopes(request.tagScope())
	order := orderByNumChats
	if trimmed := strings.TrimSpace(request.Query); trimmed != "" {
		query = query.Where(`name LIKE ? ESCAPE '\'`, "%"+escapeLike(trimmed)+"%")
		order = orderByUpdatedAt
	}
	page, err := s.paginate(query, order, request.Cursor, request.Limit)
	if err != nil {
		s.logError(opSearch, "query_failed", err)
		return Page{}, newServiceError(opSearch, "query_failed", err)
	}
	return page, nil
}

// ListMine returns the actor's own non-archived characters, drafts included,
// newest first.
func (s *Service) ListMine(ctx context.Context, actorID, cursor string, limit int) (Page, error) {
	query := s.db.WithContext(ctx).Model(&Character{}).
		Where("creator_id = ?", actorID).
		Where("is_archived = ?", false)
	page, err := s.paginate(query, orderByUpdatedAt, cursor, limit)
	if err != nil {
		s.logError(opListMine, "query_failed", err, zap.String("creator_id", actorID))
		return Page{}, newServiceError(opListMine, "query_failed", err)
	}
	return page, nil
}

// Similar embeds the query text and returns the nearest characters by cosine
// similarity over stored embeddings.
func (s *Service) Similar(ctx context.Context, queryText string) ([]SimilarResult, error) {
	if s.embedder == nil {
		return nil, newServiceError(opSimilar, "missing_embedder", fmt.Errorf("no embedder configured"))
	}
	queryVector, err := s.embedder.EmbedText(ctx, queryText)
	if err != nil {
		s.logError(opSimilar, "embed_failed", err)
		return nil, err
	}

	var candidates []Character
	if err := s.visibleQuery(ctx).Where("embedding_json <> ''").Find(&candidates).Error; err != nil {
		s.logError(opSimilar, "query_failed", err)
		return nil, newServiceError(opSimilar, "query_failed", err)
	}

	results := make([]SimilarResult, 0, len(candidates))
	for _, candidate := range candidates {
		score, ok := cosineSimilarity(queryVector, candidate.Embedding())
		if !ok {
			continue
		}
		results = append(results, SimilarResult{Character: candidate, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > similarLimit {
		results = results[:similarLimit]
	}
	return results, nil
}

// ListPopularTags scans the top characters by chat count and tallies each
// tag dimension's most frequent values.
func (s *Service) ListPopularTags(ctx context.Context) (map[string][]TagCount, error) {
	var popular []Character
	err := s.db.WithContext(ctx).Model(&Character{}).
		Order("num_chats DESC, character_id DESC").
		Limit(popularTagsScan).
		Find(&popular).Error
	if err != nil {
		s.logError(opPopularTags, "query_failed", err)
		return nil, newServiceError(opPopularTags, "query_failed", err)
	}

	tallies := map[string]map[string]int{}
	tally := func(dimension, value string) {
		if value == "" {
			return
		}
		if tallies[dimension] == nil {
			tallies[dimension] = map[string]int{}
		}
		tallies[dimension][value]++
	}
	for _, character := range popular {
		tally("languageTag", character.LanguageTag)
		tally("genreTag", character.GenreTag)
		tally("personalityTag", character.PersonalityTag)
		tally("roleTag", character.RoleTag)
		tally("model", character.Model)
	}

	result := make(map[string][]TagCount, len(tallies))
	for dimension, counts := range tallies {
		entries := make([]TagCount, 0, len(counts))
		for tagName, count := range counts {
			entries = append(entries, TagCount{TagName: tagName, Count: count})
		}
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].Count != entries[j].Count {
				return entries[i].Count > entries[j].Count
			}
			return entries[i].TagName < entries[j].TagName
		})
		if len(entries) > popularTagsTop {
			entries = entries[:popularTagsTop]
		}
		result[dimension] = entries
	}
	return result, nil
}

// visibleQuery applies the conjunction every public listing shares.
func (s *Service) visibleQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&Character{}).
		Where("is_draft = ?", false).
		Where("is_blacklisted = ?", false).
		Where("is_archived = ?", false).
		Where("is_nsfw = ?", false).
		Where("visibility <> ?", VisibilityPrivate)
}

func (r ListRequest) tagScope() func(*gorm.DB) *gorm.DB {
	return func(query *gorm.DB) *gorm.DB {
		if r.GenreTag != "" {
			query = query.Where("genre_tag = ?", r.GenreTag)
		}
		if r.PersonalityTag != "" {
			query = query.Where("personality_tag = ?", r.PersonalityTag)
		}
		if r.RoleTag != "" {
			query = query.Where("role_tag = ?", r.RoleTag)
		}
		if r.LanguageTag != "" {
			query = query.Where("language_tag = ?", r.LanguageTag)
		}
		if r.Model != "" {
			query = query.Where("model = ?", r.Model)
		}
		return query
	}
}

// paginate runs a keyset scan in the given descending order. It fetches one
// row beyond the page size to learn whether the scan is exhausted.
func (s *Service) paginate(query *gorm.DB, order, rawCursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if cursor, ok := decodeCursor(rawCursor, order); ok {
		switch order {
		case orderByNumChats:
			query = query.Where(
				"(num_chats < ?) OR (num_chats = ? AND character_id < ?)",
				cursor.Key, cursor.Key, cursor.ID,
			)
		default:
			boundary := time.Unix(0, cursor.Key).UTC()
			query = query.Where(
				"(updated_at < ?) OR (updated_at = ? AND character_id < ?)",
				boundary, boundary, cursor.ID,
			)
		}
	}

	var rows []Character
	err := query.
		Order(fmt.Sprintf("%s DESC, character_id DESC", order)).
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return Page{}, err
	}

	isDone := len(rows) <= limit
	if !isDone {
		rows = rows[:limit]
	}

	page := Page{Items: rows, IsDone: isDone}
	if !isDone {
		last := rows[len(rows)-1]
		key := last.UpdatedAt.UnixNano()
		if order == orderByNumChats {
			key = last.NumChats
		}
		page.Cursor = encodeCursor(pageCursor{Order: order, Key: key, ID: last.CharacterID})
	}
	return page, nil
}

func escapeLike(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, "%", `\%`)
	return strings.ReplaceAll(value, "_", `\_`)
}

// cosineSimilarity returns the cosine of the angle between the vectors,
// false when either vector is unusable.
func cosineSimilarity(a, b []float32) (float32, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), true
}
