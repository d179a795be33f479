package cmd

import (
	"fmt"

	"github.com/fatih/color"
)

const banner = `
   _                _                    __     __               _  _
  | |      ___   __| |  __ _   ___  _ __ \ \   / /  __ _  _   _ | || |_
  | |     / _ \ / _` + "`" + ` | / _` + "`" + ` | / _ \| '__| \ \ / /  / _` + "`" + ` || | | || || __|
  | |___ |  __/| (_| || (_| ||  __/| |     \ V /  | (_| || |_| || || |_
  |_____| \___| \__,_| \__, | \___||_|      \_/    \__,_| \__,_||_| \__|
                       |___/
`

func printBanner() {
	fmt.Print(color.BlueString(banner))
	fmt.Println(color.GreenString("  Encrypted Local Vault Agent - Version %s", Version))
	fmt.Println()
}
