// Command captioner trains and runs an image captioning model.
package main

import "github.com/manningwu07/captioner/cmd"

func main() {
	cmd.Execute()
}
