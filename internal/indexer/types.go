package indexer

// Candidate is one torrent search result available for user selection.
// Immutable once fetched.
type Candidate struct {
	Title      string `json:"title"`
	Size       int64  `json:"size"`
	Seeders    int    `json:"seeders"`
	Leechers   int    `json:"leechers"`
	InfoHash   string `json:"infoHash"`
	MagnetLink string `json:"magnetLink"`
	Rank       int    `json:"rank"` // position in the indexer's ordering, 0 = best
}

// apibayTorrent mirrors one entry of the apibay q.php response.
// Numeric fields arrive as strings.
type apibayTorrent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	InfoHash string `json:"info_hash"`
	Seeders  string `json:"seeders"`
	Leechers string `json:"leechers"`
	Size     string `json:"size"`
}
