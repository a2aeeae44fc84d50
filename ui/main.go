package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/olivere/jobmgt"
	"github.com/olivere/jobmgt/status"
	"github.com/olivere/jobmgt/status/mongodb"
	"github.com/olivere/jobmgt/status/mysql"
	"github.com/olivere/jobmgt/status/sqlite"
	"github.com/olivere/jobmgt/ui/server"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/jobmgt_status?loc=UTC&parseTime=true"
	)
	var (
		addr   = flag.String("addr", "127.0.0.1:12345", "HTTP bind address")
		name   = flag.String("queue", "jobexec", "name of the queue to watch")
		dir    = flag.String("dir", "", "directory holding the job records")
		module = flag.String("execmodule", "goob", "processor module of the watched jobs")
		dbtype = flag.String("dbtype", "memory", "status store type (memory, sqlite, mysql or mongodb)")
		dburl  = flag.String("dburl", "", "status store location, e.g. a file path for sqlite or "+exampleDBURL)
	)
	flag.Parse()

	if *dir == "" {
		log.Fatal("specify a queue directory with -dir")
	}
	if *dbtype != "memory" && *dburl == "" {
		log.Fatal("specify a status store location with -dburl like e.g. " + exampleDBURL)
	}

	// Initialize the status store
	var err error
	var st status.Store
	switch *dbtype {
	case "sqlite":
		st, err = sqlite.NewStore(*dburl)
	case "mysql":
		st, err = mysql.NewStore(*dburl)
	case "mongodb":
		st, err = mongodb.NewStore(*dburl)
	case "memory":
		st = status.NewMemoryStore()
	default:
		log.Fatal("unsupported dbtype; use memory, sqlite, mysql or mongodb")
	}
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the queue. The monitor only watches, so resuming is off:
	// pending records stay untouched for the process that owns them.
	q, err := jobmgt.New(*name, *dir, *module,
		jobmgt.SetStatusStore(st),
		jobmgt.SetResume(false),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	errc := make(chan error, 1)

	go func() {
		log.Printf("web server listening on %v", *addr)
		s := server.New(q, st)
		errc <- s.Serve(*addr)
	}()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("recv signal %v", fmt.Sprint(<-c))
		errc <- nil
	}()

	if err := <-errc; err != nil {
		log.Printf("exit with error %v", err)
		os.Exit(1)
	}
	q.Runner().Stop()
}
