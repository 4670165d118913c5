// Command register-crawler crawls a public register.
package main

import "github.com/JakeFAU/public-register-crawler/cmd"

func main() {
	cmd.Execute()
}
