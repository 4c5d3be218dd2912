// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("autopar", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.p, "parallelism", 0, "in-process pool size; 0 uses WFL_AUTOPARA_NPOOL")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for submissions")
		inst.StringVar(&sess.storeDir, "store", "", "directory of the job database")
		inst.Doc = "autopar configures the autopar dispatch runtime"
		inst.New = func() (interface{}, error) {
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
