package main

import "github.com/talaria-sh/talaria/cmd"

func main() {
	cmd.Execute()
}
