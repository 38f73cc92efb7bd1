package main

import "github.com/mimiro-io/archrepo-datalayer/internal/app"

func main() {
	app.Run()
}
