package worker

type Options struct {
	// MaxParallelTasks limits the number of tasks handled concurrently. Zero or less means no
	// limit.
	MaxParallelTasks int
}

var DefaultOptions = Options{
	MaxParallelTasks: 0,
}
