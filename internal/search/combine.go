package search

// CombineSearchResults blends a title match list with a body match list.
// Per file the score is (tw*titleScore + cw*contentScore) / (tw+cw), a file
// missing from a list scoring 0 there. The content excerpt is kept when the
// file matched in the body. topK <= 0 keeps every file.
func CombineSearchResults(title, content []SearchResult, titleWeight, contentWeight float64, topK int) []SearchResult {
	if titleWeight < 0 {
		titleWeight = 0
	}
	if contentWeight < 0 {
		contentWeight = 0
	}
	total := titleWeight + contentWeight
	if total == 0 {
		contentWeight, total = 1, 1
	}

	type pair struct {
		title, content *SearchResult
	}
	var order []string
	pairs := make(map[string]*pair)
	get := func(path string) *pair {
		p, ok := pairs[path]
		if !ok {
			p = &pair{}
			pairs[path] = p
			order = append(order, path)
		}
		return p
	}
	for i := range title {
		get(title[i].FilePath).title = &title[i]
	}
	for i := range content {
		get(content[i].FilePath).content = &content[i]
	}

	results := make([]SearchResult, 0, len(order))
	for _, path := range order {
		p := pairs[path]
		var r SearchResult
		var ts, cs float64
		if p.title != nil {
			r = *p.title
			ts = p.title.Score
		}
		if p.content != nil {
			title := r.Title
			r = *p.content
			if r.Title == "" {
				r.Title = title
			}
			cs = p.content.Score
		}
		r.Score = (titleWeight*ts + contentWeight*cs) / total
		results = append(results, r)
	}

	sortResults(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// DedupeChunks merges chunk lists, keeping the first occurrence of every
// chunk id in source order. Later duplicates are dropped, not merged.
func DedupeChunks(sources ...[]ChunkResult) []ChunkResult {
	var n int
	for _, s := range sources {
		n += len(s)
	}
	seen := make(map[string]struct{}, n)
	out := make([]ChunkResult, 0, n)
	for _, s := range sources {
		for _, c := range s {
			if _, dup := seen[c.ChunkID]; dup {
				continue
			}
			seen[c.ChunkID] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
