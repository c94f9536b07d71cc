// Package collection opens a hybridrank collection from its configuration.
//
// A collection is the set of stores behind one corpus: a transactional store
// holding metadata, embeddings and (with the kv lexical backend) the BM25
// tables, an optional Bleve index, and the write lock file. They live in the
// data directory, ".hybridrank" inside the corpus root unless store.path
// says otherwise.
//
// Open wires the stores, the embedder, the chunker and the optional reranker
// into a search.Engine:
//
//	cfg, _ := config.Load(root)
//	c, err := collection.Open(ctx, root, cfg)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	report, err := c.Index(ctx, walker, index.DefaultRunnerConfig())
//	resp, err := c.Engine.Search(ctx, "machine learning", opts)
package collection
