package main

import "github.com/DRSY/codalab-worksheets/cmd/cli"

func main() {
	cli.Execute()
}
