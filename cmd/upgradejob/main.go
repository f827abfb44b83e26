package main

import "github.com/nimburion/upgradejob/pkg/cli"

func main() {
	cli.Execute(cli.NewCommand(cli.Options{Name: "upgradejob"}))
}
