package main

import "github.com/kairo0916/ai-exho-discord-bot/cmd"

func main() {
	cmd.Execute()
}
