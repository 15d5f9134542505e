package database

// RunReport holds metadata about one refresh cycle.
type RunReport struct {
	ID            string
	GeneratedAt   string
	ArticleCount  int
	FailedCount   int
	FailedSources []string
}

// Stats contains aggregate database statistics.
type Stats struct {
	Keys    int
	Runs    int
	LastRun *RunReport
}
