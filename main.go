package main

import (
	"YoYoMusic/cmd"
)

func main() {
	cmd.Execute()
}
