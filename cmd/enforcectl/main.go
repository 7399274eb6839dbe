package main

import "github.com/upb/llm-enforcement-gateway/internal/cli"

func main() {
	cli.Execute()
}
