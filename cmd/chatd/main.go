package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/lk2023060901/chatrelay-go/application"
	"github.com/lk2023060901/chatrelay-go/internal/auth"
	"github.com/lk2023060901/chatrelay-go/internal/config"
)

const usage = `usage:
  chatd [--config <path>]
  chatd hash-password <identity> <password>`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chatd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "hash-password":
			return hashPassword(args[1:])
		case "-h", "--help", "help":
			fmt.Println(usage)
			return nil
		}
	}
	return application.New().Run(args)
}

// hashPassword 输出可写入 auth.users[].hash 的 bcrypt 串。
func hashPassword(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("hash-password expects <identity> <password>\n%s", usage)
	}
	hash, err := auth.HashCredential(auth.ClientCredential(args[0], args[1]), config.DefaultBcryptCost)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
