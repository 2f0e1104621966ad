// Copyright 2025 The groupq Authors. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package cli

import (
	"github.com/spf13/viper"

	"github.com/groupq/groupq"
)

// redisConnOpt builds the connection option shared by every command.
func redisConnOpt() groupq.RedisClientOpt {
	return groupq.RedisClientOpt{
		Addr:     viper.GetString("redis_addr"),
		Password: viper.GetString("redis_password"),
		DB:       viper.GetInt("redis_db"),
	}
}

func newClient() *groupq.Client {
	return groupq.NewClient(redisConnOpt())
}
